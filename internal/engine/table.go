package engine

import (
	"fmt"

	"xray-console/internal/guard"
	"xray-console/internal/state"
)

// Transition is one static table entry. GuardSet is ordered; every guard must
// pass for the transition to commit. The table is fixed at build time and
// never mutated afterwards, so concurrent lookups need no synchronization.
type Transition struct {
	ID       string
	From     state.WorkflowState
	Trigger  state.Trigger
	To       state.WorkflowState
	Guards   []guard.Guard
	Category state.Category
}

// Table indexes the transitions by (from, trigger).
type Table struct {
	entries []Transition
	index   map[tableKey]*Transition
}

type tableKey struct {
	from    state.WorkflowState
	trigger state.Trigger
}

// g declares a guard whose rule is the bare fact of the same name. Most
// guards are exactly that: a single named fact that must be present and true.
func g(fact string) guard.Guard {
	return guard.MustCompile(fact, fact)
}

// NewTable builds the static transition table, T-01 through T-19. T-19, the
// universal abort, is expanded into one entry per non-Idle state so that
// every abort path converges on Idle.
func NewTable() *Table {
	entries := []Transition{
		{ID: "T-01", From: state.StateIdle, Trigger: state.TriggerStartWorklistSync, To: state.StateWorklistSync,
			Guards:   []guard.Guard{g(guard.FactWorklistServerConfigured)},
			Category: state.CategoryWorkflow},
		{ID: "T-02", From: state.StateWorklistSync, Trigger: state.TriggerWorklistSyncCompleted, To: state.StatePatientSelect,
			Guards:   []guard.Guard{g(guard.FactWorklistResultReceived)},
			Category: state.CategoryWorkflow},
		// Timed-out worklist sync still reaches patient selection (manual
		// entry), but only after the retry budget is spent.
		{ID: "T-03", From: state.StateWorklistSync, Trigger: state.TriggerWorklistSyncTimeout, To: state.StatePatientSelect,
			Guards:   []guard.Guard{g(guard.FactWorklistRetryCountExceeded)},
			Category: state.CategoryWorkflow},
		{ID: "T-04", From: state.StateWorklistSync, Trigger: state.TriggerWorklistSyncFailed, To: state.StateIdle,
			Category: state.CategoryWorkflow},
		{ID: "T-05", From: state.StateIdle, Trigger: state.TriggerEmergencyStart, To: state.StatePatientSelect,
			Guards:   []guard.Guard{g(guard.FactIsEmergencyWorkflow), g(guard.FactPatientIDNotEmpty)},
			Category: state.CategorySafety},
		{ID: "T-06", From: state.StatePatientSelect, Trigger: state.TriggerPatientConfirmed, To: state.StateProtocolSelect,
			Guards:   []guard.Guard{g(guard.FactPatientIDNotEmpty)},
			Category: state.CategoryWorkflow},
		{ID: "T-07", From: state.StateProtocolSelect, Trigger: state.TriggerProtocolConfirmed, To: state.StatePositionAndPreview,
			Guards:   []guard.Guard{g(guard.FactProtocolValid), g(guard.FactParametersWithinLimits)},
			Category: state.CategoryWorkflow},
		// Arming is the gate in front of radiation emission: the full
		// interlock verdict plus parameter and dose checks.
		{ID: "T-08", From: state.StatePositionAndPreview, Trigger: state.TriggerArmExposure, To: state.StateExposureTrigger,
			Guards: []guard.Guard{
				g(guard.FactHardwareInterlockOk),
				g(guard.FactDetectorReady),
				g(guard.FactGeneratorReady),
				g(guard.FactParametersWithinLimits),
				g(guard.FactDoseWithinLimits),
			},
			Category: state.CategorySafety},
		{ID: "T-09", From: state.StateExposureTrigger, Trigger: state.TriggerDisarm, To: state.StatePositionAndPreview,
			Category: state.CategorySafety},
		{ID: "T-10", From: state.StateExposureTrigger, Trigger: state.TriggerExposureStarted, To: state.StateAcquisition,
			Guards:   []guard.Guard{g(guard.FactExposureNotBlocked)},
			Category: state.CategoryHardware},
		{ID: "T-11", From: state.StateAcquisition, Trigger: state.TriggerAcquisitionCompleted, To: state.StateQcReview,
			Guards:   []guard.Guard{g(guard.FactImageDataReceived)},
			Category: state.CategoryHardware},
		{ID: "T-12", From: state.StateQcReview, Trigger: state.TriggerQcAccepted, To: state.StateMppsComplete,
			Category: state.CategoryWorkflow},
		{ID: "T-13", From: state.StateQcReview, Trigger: state.TriggerQcRejected, To: state.StateRejectRetake,
			Guards:   []guard.Guard{g(guard.FactRejectionRecorded)},
			Category: state.CategoryWorkflow},
		{ID: "T-14", From: state.StateRejectRetake, Trigger: state.TriggerRetakeStarted, To: state.StatePositionAndPreview,
			Guards:   []guard.Guard{g(guard.FactRetakeAuthorized)},
			Category: state.CategoryWorkflow},
		{ID: "T-15", From: state.StateRejectRetake, Trigger: state.TriggerRetakeDeclined, To: state.StateMppsComplete,
			Category: state.CategoryWorkflow},
		{ID: "T-16", From: state.StateMppsComplete, Trigger: state.TriggerMppsReported, To: state.StatePacsExport,
			Guards:   []guard.Guard{g(guard.FactMppsReportAccepted)},
			Category: state.CategorySystem},
		{ID: "T-17", From: state.StatePacsExport, Trigger: state.TriggerExportCompleted, To: state.StateIdle,
			Guards:   []guard.Guard{g(guard.FactStorageCommitConfirmed)},
			Category: state.CategorySystem},
		{ID: "T-18", From: state.StatePacsExport, Trigger: state.TriggerExportFailed, To: state.StateIdle,
			Guards:   []guard.Guard{g(guard.FactExportFailureAcknowledged)},
			Category: state.CategorySystem},
	}

	// T-19: abort to Idle from every non-Idle state, unguarded.
	for _, from := range state.AllStates {
		if from == state.StateIdle {
			continue
		}
		entries = append(entries, Transition{
			ID:       "T-19",
			From:     from,
			Trigger:  state.TriggerAbort,
			To:       state.StateIdle,
			Category: state.CategorySystem,
		})
	}

	t := &Table{
		entries: entries,
		index:   make(map[tableKey]*Transition, len(entries)),
	}
	for i := range t.entries {
		e := &t.entries[i]
		if !e.From.Valid() || !e.To.Valid() {
			panic(fmt.Sprintf("transition %s references unknown state (%s -> %s)", e.ID, e.From, e.To))
		}
		if !e.Trigger.Valid() {
			panic(fmt.Sprintf("transition %s references unknown trigger %s", e.ID, e.Trigger))
		}
		key := tableKey{from: e.From, trigger: e.Trigger}
		if _, dup := t.index[key]; dup {
			panic(fmt.Sprintf("duplicate transition for (%s, %s)", e.From, e.Trigger))
		}
		t.index[key] = e
	}
	return t
}

// Lookup returns the table entry for (from, trigger), or nil.
func (t *Table) Lookup(from state.WorkflowState, trigger state.Trigger) *Transition {
	return t.index[tableKey{from: from, trigger: trigger}]
}

// Entries returns the table contents in declaration order.
func (t *Table) Entries() []Transition {
	out := make([]Transition, len(t.entries))
	copy(out, t.entries)
	return out
}
