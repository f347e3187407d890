package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xray-console/internal/event"
	"xray-console/internal/guard"
	"xray-console/internal/journal"
	"xray-console/internal/metrics"
	"xray-console/internal/state"
)

// ResultCode classifies the outcome of a transition attempt.
type ResultCode string

const (
	// ResultSuccess: all guards passed, the journal entry is durable and the
	// state change is applied.
	ResultSuccess ResultCode = "SUCCESS"
	// ResultGuardFailed: one or more guards failed; the attempt is journaled,
	// the state is unchanged. Recoverable by satisfying the guard.
	ResultGuardFailed ResultCode = "GUARD_FAILED"
	// ResultInvalidTransition: no table entry matches (current state,
	// trigger). Not journaled.
	ResultInvalidTransition ResultCode = "INVALID_TRANSITION"
	// ResultError: a collaborator fault, typically a journal write failure.
	// Fatal for the attempt; the state is unchanged.
	ResultError ResultCode = "ERROR"
)

// TransitionResult is the structured outcome returned to callers. Guard
// failures and invalid transitions are values, never errors.
type TransitionResult struct {
	Code         ResultCode          `json:"code"`
	TransitionID string              `json:"transition_id,omitempty"`
	From         state.WorkflowState `json:"from"`
	To           state.WorkflowState `json:"to,omitempty"`
	Trigger      state.Trigger       `json:"trigger"`
	Category     state.Category      `json:"category,omitempty"`
	GuardResults []guard.Result      `json:"guard_results,omitempty"`
	FailedGuards []string            `json:"failed_guards,omitempty"`
	Err          error               `json:"-"`
}

// Engine is the workflow state machine. One instance exists per process,
// constructed at startup from the journal's recovered state. Transition
// evaluation and commit are serialized by a single mutex; CurrentState is
// readable concurrently without blocking a commit in flight.
//
// pubMu is always acquired before mu is released, so events reach the bus in
// commit order even though they are published outside the commit path.
type Engine struct {
	mu      sync.Mutex
	pubMu   sync.Mutex
	current atomic.Value // state.WorkflowState
	table   *Table
	jnl     *journal.Journal
	bus     *event.Bus
	logger  *zap.Logger
}

// New builds an engine starting in the given state. Callers normally derive
// initial from the journal via RecoveredState.
func New(table *Table, jnl *journal.Journal, bus *event.Bus, initial state.WorkflowState, logger *zap.Logger) *Engine {
	e := &Engine{
		table:  table,
		jnl:    jnl,
		bus:    bus,
		logger: logger.With(zap.String("component", "workflow_engine")),
	}
	e.current.Store(initial)
	return e
}

// RecoveredState derives the startup state from the journal: the ToState of
// the last committed entry, or Idle for an empty journal. The engine never
// assumes Idle on restart.
func RecoveredState(jnl *journal.Journal) (state.WorkflowState, error) {
	last, err := jnl.ReadLastCommitted()
	if err != nil {
		return state.StateIdle, fmt.Errorf("reading journal for recovery: %w", err)
	}
	if last == nil {
		return state.StateIdle, nil
	}
	return last.ToState, nil
}

// CurrentState returns the live state. Safe for concurrent use.
func (e *Engine) CurrentState() state.WorkflowState {
	return e.current.Load().(state.WorkflowState)
}

// Journal exposes the read API for audit tooling and the recovery prompt.
func (e *Engine) Journal() *journal.Journal {
	return e.jnl
}

// Table exposes the immutable transition table.
func (e *Engine) Table() *Table {
	return e.table
}

// TryTransition attempts the (CurrentState, trigger) table entry against the
// supplied guard context.
//
// Commit protocol: the journal entry is durably written before the in-memory
// state is updated and before success is returned, never the reverse. A
// guard-rejected attempt is journaled with ToState set to the attempted
// target and Committed=false; a request with no table match is rejected
// without journaling.
func (e *Engine) TryTransition(target state.WorkflowState, trigger state.Trigger, operatorID string, ctx *guard.Context) TransitionResult {
	e.mu.Lock()

	from := e.CurrentState()
	t := e.table.Lookup(from, trigger)
	if t == nil || t.To != target {
		e.mu.Unlock()
		metrics.InvalidTransitionsTotal.Inc()
		metrics.TransitionsTotal.WithLabelValues(string(state.CategorySystem), "invalid").Inc()
		e.logger.Warn("invalid transition request",
			zap.String("from", string(from)),
			zap.String("trigger", string(trigger)),
			zap.String("target", string(target)),
			zap.String("operator", operatorID))
		return TransitionResult{Code: ResultInvalidTransition, From: from, To: target, Trigger: trigger}
	}

	allPassed, results := guard.EvaluateAll(t.Guards, ctx)
	// The synthetic TIMEOUT verdict belongs to the arming gate alone, the one
	// transition whose facts come from the interlock verifier.
	if trigger == state.TriggerArmExposure {
		results = appendInterlockTimeout(results, ctx)
		if timedOut(results) {
			allPassed = false
		}
	}

	entry := &journal.Entry{
		TransitionID: uuid.NewString(),
		FromState:    from,
		ToState:      t.To,
		Trigger:      trigger,
		GuardResults: results,
		OperatorID:   operatorID,
		Metadata:     ctx.MetaAll(),
		Category:     t.Category,
		Committed:    allPassed,
	}
	if uid, ok := ctx.Meta(guard.MetaStudyUID); ok {
		if s, ok := uid.(string); ok {
			entry.StudyInstanceUID = s
		}
	}

	start := time.Now()
	if err := e.jnl.WriteEntry(entry); err != nil {
		e.mu.Unlock()
		metrics.TransitionsTotal.WithLabelValues(string(t.Category), "error").Inc()
		e.logger.Error("journal write failed, transition not applied",
			zap.String("transition", t.ID),
			zap.String("from", string(from)),
			zap.String("to", string(t.To)),
			zap.Error(err))
		return TransitionResult{
			Code:    ResultError,
			From:    from,
			To:      t.To,
			Trigger: trigger,
			Err:     fmt.Errorf("journal write failed: %w", err),
		}
	}
	metrics.JournalWriteDuration.Observe(time.Since(start).Seconds())

	if !allPassed {
		e.pubMu.Lock()
		e.mu.Unlock()
		failed := guard.FailedNames(results)
		for _, name := range failed {
			metrics.GuardFailuresTotal.WithLabelValues(name).Inc()
		}
		metrics.TransitionsTotal.WithLabelValues(string(t.Category), "guard_failed").Inc()
		e.logger.Warn("transition denied by guards",
			zap.String("transition", t.ID),
			zap.String("from", string(from)),
			zap.String("to", string(t.To)),
			zap.Strings("failed_guards", failed))
		e.bus.Publish(event.Event{
			Type:         event.TransitionRejected,
			TransitionID: entry.TransitionID,
			FromState:    from,
			ToState:      t.To,
			Trigger:      trigger,
			Category:     t.Category,
			Timestamp:    entry.Timestamp,
			OperatorID:   operatorID,
			StudyUID:     entry.StudyInstanceUID,
			FailedGuards: failed,
		})
		e.pubMu.Unlock()
		return TransitionResult{
			Code:         ResultGuardFailed,
			TransitionID: entry.TransitionID,
			From:         from,
			To:           t.To,
			Trigger:      trigger,
			Category:     t.Category,
			GuardResults: results,
			FailedGuards: failed,
		}
	}

	// Durable entry first, then the in-memory state. Crash between the two
	// replays to the committed state.
	e.current.Store(t.To)
	e.pubMu.Lock()
	e.mu.Unlock()

	metrics.TransitionsTotal.WithLabelValues(string(t.Category), "committed").Inc()
	e.logger.Info("transition committed",
		zap.String("transition", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(t.To)),
		zap.String("trigger", string(trigger)),
		zap.String("operator", operatorID))
	e.bus.Publish(event.Event{
		Type:         event.TransitionCommitted,
		TransitionID: entry.TransitionID,
		FromState:    from,
		ToState:      t.To,
		Trigger:      trigger,
		Category:     t.Category,
		Timestamp:    entry.Timestamp,
		OperatorID:   operatorID,
		StudyUID:     entry.StudyInstanceUID,
	})
	e.pubMu.Unlock()
	return TransitionResult{
		Code:         ResultSuccess,
		TransitionID: entry.TransitionID,
		From:         from,
		To:           t.To,
		Trigger:      trigger,
		Category:     t.Category,
		GuardResults: results,
	}
}

// RecordRecoveryResume journals the operator's decision to resume an
// interrupted session from the recovered state. The entry has From == To ==
// CurrentState, System category, so journal-state agreement holds through
// recovery.
func (e *Engine) RecordRecoveryResume(operatorID string) error {
	e.mu.Lock()
	current := e.CurrentState()
	entry := &journal.Entry{
		TransitionID: uuid.NewString(),
		FromState:    current,
		ToState:      current,
		Trigger:      state.TriggerRecoveryResume,
		OperatorID:   operatorID,
		Category:     state.CategorySystem,
		Committed:    true,
	}
	err := e.jnl.WriteEntry(entry)
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("journaling recovery resume: %w", err)
	}
	e.logger.Info("recovery resume recorded",
		zap.String("state", string(current)),
		zap.String("operator", operatorID))
	e.bus.Publish(event.Event{
		Type:         event.RecoveryApplied,
		TransitionID: entry.TransitionID,
		FromState:    current,
		ToState:      current,
		Trigger:      state.TriggerRecoveryResume,
		Category:     state.CategorySystem,
		Timestamp:    entry.Timestamp,
		OperatorID:   operatorID,
	})
	return nil
}

// appendInterlockTimeout adds the synthetic TIMEOUT guard result when the
// fact collector flagged an interlock deadline expiry, so the journal shows
// the timeout alongside the ordinary guard failures.
func appendInterlockTimeout(results []guard.Result, ctx *guard.Context) []guard.Result {
	v, ok := ctx.Meta(guard.MetaInterlockTimeout)
	if !ok {
		return results
	}
	if timedOut, ok := v.(bool); ok && timedOut {
		return append(results, guard.Result{
			Name:   "TIMEOUT",
			Passed: false,
			Reason: "interlock check exceeded its deadline",
		})
	}
	return results
}

func timedOut(results []guard.Result) bool {
	for _, r := range results {
		if r.Name == "TIMEOUT" && !r.Passed {
			return true
		}
	}
	return false
}
