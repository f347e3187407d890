package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"xray-console/internal/emergency"
	"xray-console/internal/engine"
	"xray-console/internal/limits"
	"xray-console/internal/recovery"
	"xray-console/internal/state"
	"xray-console/internal/study"
	"xray-console/internal/util"
	"xray-console/internal/web"
)

// server is the operator-facing HTTP adapter over the engine contracts. It
// holds the single active study; journaling and guard semantics live below.
type server struct {
	engine    *engine.Engine
	collector *engine.Collector
	tracker   *web.StateTracker
	hub       *web.Hub
	recovery  *recovery.Service
	emergency *emergency.Coordinator
	retakes   *study.Coordinator
	logger    *zap.Logger

	mu          sync.Mutex
	activeStudy *study.Context
}

func newServer(
	eng *engine.Engine,
	collector *engine.Collector,
	tracker *web.StateTracker,
	hub *web.Hub,
	recoverySvc *recovery.Service,
	emergencySvc *emergency.Coordinator,
	retakes *study.Coordinator,
	logger *zap.Logger,
) *server {
	return &server{
		engine:    eng,
		collector: collector,
		tracker:   tracker,
		hub:       hub,
		recovery:  recoverySvc,
		emergency: emergencySvc,
		retakes:   retakes,
		logger:    logger.With(zap.String("component", "http_api")),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.ServeWs)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/study", s.handleStudy)
	mux.HandleFunc("/api/transition", s.handleTransition)
	mux.HandleFunc("/api/emergency", s.handleEmergency)
	mux.HandleFunc("/api/reject", s.handleReject)
	mux.HandleFunc("/api/retake/authorize", s.handleAuthorizeRetake)
	mux.HandleFunc("/api/journal", s.handleJournal)
	mux.HandleFunc("/api/recovery", s.handleRecovery)
	mux.HandleFunc("/api/recovery/apply", s.handleRecoveryApply)
	return mux
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot := s.tracker.Snapshot()
	snapshot.CurrentState = s.engine.CurrentState()
	writeJSON(w, http.StatusOK, snapshot)
}

type studyRequest struct {
	PatientID       string `json:"patient_id"`
	PatientName     string `json:"patient_name"`
	AccessionNumber string `json:"accession_number"`
	ProtocolID      string `json:"protocol_id"`
}

// handleStudy creates or updates the active (non-emergency) study from a
// worklist selection or manual entry.
func (s *server) handleStudy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req studyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.activeStudy == nil {
		s.activeStudy = &study.Context{
			StudyInstanceUID: uuid.NewString(),
			StartedAt:        time.Now().UTC(),
		}
	}
	if req.PatientID != "" {
		s.activeStudy.PatientID = req.PatientID
		s.activeStudy.PatientName = req.PatientName
		s.activeStudy.AccessionNumber = req.AccessionNumber
	}
	if req.ProtocolID != "" {
		s.activeStudy.ProtocolID = req.ProtocolID
	}
	st := *s.activeStudy
	s.mu.Unlock()

	s.tracker.SetStudy(st.StudyInstanceUID, st.PatientID, st.Emergency)
	writeJSON(w, http.StatusOK, st)
}

type transitionRequest struct {
	Target     state.WorkflowState    `json:"target"`
	Trigger    state.Trigger          `json:"trigger"`
	OperatorID string                 `json:"operator_id"`
	Params     *limits.ExposureParams `json:"params,omitempty"`
	// Facts carries validated inputs no collaborator can answer for, e.g.
	// ImageDataReceived from the acquisition callback.
	Facts map[string]bool `json:"facts,omitempty"`
}

func (s *server) handleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reqID := util.NewRequestID()
	ctx := util.ContextWithRequestID(r.Context(), reqID)

	// The collector reads the study outside any lock, so it gets a copy, not
	// the live struct a concurrent POST /api/study may be mutating.
	st := s.studySnapshot()

	guardCtx := s.collector.Collect(ctx, req.Trigger, st, req.Params, req.Facts)
	result := s.engine.TryTransition(req.Target, req.Trigger, req.OperatorID, guardCtx)

	if result.Code == engine.ResultSuccess {
		switch {
		case result.To == state.StateIdle:
			s.closeStudy()
		case req.Trigger == state.TriggerExposureStarted:
			s.mu.Lock()
			if s.activeStudy != nil {
				s.activeStudy.ExposureCount++
			}
			s.mu.Unlock()
		case req.Trigger == state.TriggerRetakeStarted && st != nil:
			s.retakes.CompleteRetake(st.StudyInstanceUID, st.ExposureCount)
		}
	}

	status := http.StatusOK
	switch result.Code {
	case engine.ResultInvalidTransition:
		status = http.StatusConflict
	case engine.ResultGuardFailed:
		status = http.StatusUnprocessableEntity
	case engine.ResultError:
		status = http.StatusInternalServerError
		s.logger.Error("transition errored", zap.String("request_id", reqID), zap.Error(result.Err))
	}
	writeJSON(w, status, result)
}

type emergencyRequest struct {
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name"`
	OperatorID  string `json:"operator_id"`
}

func (s *server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := s.emergency.InitiateEmergencyWorkflow(req.PatientID, req.PatientName, req.OperatorID)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, emergency.ErrNotInIdleState) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.activeStudy = st
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

type rejectRequest struct {
	ExposureIndex int    `json:"exposure_index"`
	Reason        string `json:"reason"`
	OperatorID    string `json:"operator_id"`
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st := s.studySnapshot()
	if st == nil {
		http.Error(w, "no active study", http.StatusConflict)
		return
	}

	auth := s.retakes.RecordRejection(st.StudyInstanceUID, req.ExposureIndex, req.Reason, req.OperatorID)
	writeJSON(w, http.StatusOK, auth)
}

type authorizeRetakeRequest struct {
	RejectionID  string `json:"rejection_id"`
	AuthorizerID string `json:"authorizer_id"`
}

func (s *server) handleAuthorizeRetake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authorizeRetakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st := s.studySnapshot()
	if st == nil {
		http.Error(w, "no active study", http.StatusConflict)
		return
	}

	ok := s.retakes.AuthorizeRetake(st.StudyInstanceUID, req.RejectionID, req.AuthorizerID)
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": ok})
}

func (s *server) handleJournal(w http.ResponseWriter, r *http.Request) {
	studyUID := r.URL.Query().Get("study_uid")
	var err error
	var entries interface{}
	if studyUID != "" {
		entries, err = s.engine.Journal().QueryByStudy(studyUID)
	} else {
		entries, err = s.engine.Journal().ReadAll()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	report, err := s.recovery.Classify()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type recoveryApplyRequest struct {
	Option     recovery.Option `json:"option"`
	OperatorID string          `json:"operator_id"`
}

func (s *server) handleRecoveryApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recoveryApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.recovery.Apply(s.engine, req.Option, req.OperatorID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if req.Option == recovery.AbortToIdle {
		s.closeStudy()
	}
	writeJSON(w, http.StatusOK, report)
}

// studySnapshot copies the active study under the lock, or returns nil.
func (s *server) studySnapshot() *study.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeStudy == nil {
		return nil
	}
	snapshot := *s.activeStudy
	return &snapshot
}

func (s *server) closeStudy() {
	s.mu.Lock()
	st := s.activeStudy
	s.activeStudy = nil
	s.mu.Unlock()
	if st != nil {
		s.retakes.CloseStudy(st.StudyInstanceUID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
