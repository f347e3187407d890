package web

import (
	"sync"
	"time"

	"xray-console/internal/state"
)

// TransitionView is one committed or rejected transition as shown in the
// console's live feed.
type TransitionView struct {
	TransitionID string              `json:"transition_id"`
	From         state.WorkflowState `json:"from"`
	To           state.WorkflowState `json:"to"`
	Trigger      state.Trigger       `json:"trigger"`
	Category     state.Category      `json:"category"`
	Timestamp    time.Time           `json:"timestamp"`
	Committed    bool                `json:"committed"`
	FailedGuards []string            `json:"failed_guards,omitempty"`
}

// ConsoleState is the GUI-facing snapshot: the live workflow state, the
// current study, and a bounded tail of recent transitions.
type ConsoleState struct {
	CurrentState state.WorkflowState `json:"current_state"`
	StudyUID     string              `json:"study_uid,omitempty"`
	PatientID    string              `json:"patient_id,omitempty"`
	Emergency    bool                `json:"emergency"`
	Recent       []TransitionView    `json:"recent"`
}

// recentLimit bounds the transition tail kept for the GUI; full history lives
// in the journal.
const recentLimit = 50

// StateTracker keeps the live console snapshot and pushes every change to the
// websocket hub.
type StateTracker struct {
	mu    sync.RWMutex
	state ConsoleState
	hub   *Hub
}

func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: ConsoleState{CurrentState: state.StateIdle},
		hub:   hub,
	}
}

// RecordTransition appends a transition to the feed and, for committed
// transitions, moves the live state.
func (st *StateTracker) RecordTransition(v TransitionView) {
	st.mu.Lock()
	if v.Committed {
		st.state.CurrentState = v.To
		if v.To == state.StateIdle {
			st.state.StudyUID = ""
			st.state.PatientID = ""
			st.state.Emergency = false
		}
	}
	st.state.Recent = append(st.state.Recent, v)
	if len(st.state.Recent) > recentLimit {
		st.state.Recent = st.state.Recent[len(st.state.Recent)-recentLimit:]
	}
	snapshot := st.snapshotLocked()
	st.mu.Unlock()

	st.hub.BroadcastState(snapshot)
}

// SetStudy records the active study shown in the console header.
func (st *StateTracker) SetStudy(studyUID, patientID string, emergency bool) {
	st.mu.Lock()
	st.state.StudyUID = studyUID
	st.state.PatientID = patientID
	st.state.Emergency = emergency
	snapshot := st.snapshotLocked()
	st.mu.Unlock()

	st.hub.BroadcastState(snapshot)
}

// SetCurrentState seeds the tracker from the recovered engine state at boot.
func (st *StateTracker) SetCurrentState(s state.WorkflowState) {
	st.mu.Lock()
	st.state.CurrentState = s
	st.mu.Unlock()
}

// Snapshot returns a deep copy for new clients and the REST state endpoint.
func (st *StateTracker) Snapshot() ConsoleState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *StateTracker) snapshotLocked() ConsoleState {
	out := st.state
	out.Recent = make([]TransitionView, len(st.state.Recent))
	copy(out.Recent, st.state.Recent)
	return out
}
