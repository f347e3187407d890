// Package recovery classifies the prior session from the workflow journal
// and proposes bounded recovery actions. It never mutates state on its own:
// the operator-facing layer selects an option, and Apply drives the engine
// through the ordinary journaled paths.
package recovery

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"xray-console/internal/engine"
	"xray-console/internal/guard"
	"xray-console/internal/journal"
	"xray-console/internal/state"
)

// SessionState classifies the prior session.
type SessionState string

const (
	// SessionClean: empty journal, or the last committed entry ended at Idle.
	SessionClean SessionState = "CLEAN"
	// SessionIncomplete: the last committed entry ended mid-exam.
	SessionIncomplete SessionState = "INCOMPLETE"
)

// Option is one bounded recovery action.
type Option string

const (
	// AbortToIdle is always available and is the default for interruptions in
	// safety-critical states.
	AbortToIdle Option = "ABORT_TO_IDLE"
	// ReviewAndDecide is always available: it re-presents the report and
	// leaves the decision with the operator.
	ReviewAndDecide Option = "REVIEW_AND_DECIDE"
	// ResumeFromLastState is offered only for non-safety-critical states.
	// Resuming into or across an exposure-adjacent state from an unknown
	// hardware condition is never permitted.
	ResumeFromLastState Option = "RESUME_FROM_LAST_STATE"
)

// Report is the classification presented to the operator before any further
// workflow action is possible.
type Report struct {
	Session        SessionState        `json:"session"`
	LastState      state.WorkflowState `json:"last_state"`
	LastEntryAt    time.Time           `json:"last_entry_at,omitempty"`
	LastStudyUID   string              `json:"last_study_uid,omitempty"`
	SafetyCritical bool                `json:"safety_critical"`
	Options        []Option            `json:"options"`
	Default        Option              `json:"default"`
}

// Service inspects the journal and applies operator recovery decisions.
type Service struct {
	jnl    *journal.Journal
	logger *zap.Logger
}

func NewService(jnl *journal.Journal, logger *zap.Logger) *Service {
	return &Service{
		jnl:    jnl,
		logger: logger.With(zap.String("component", "crash_recovery")),
	}
}

// Classify reads the journal and builds the recovery report. Read-only.
func (s *Service) Classify() (Report, error) {
	last, err := s.jnl.ReadLastCommitted()
	if err != nil {
		return Report{}, fmt.Errorf("classifying prior session: %w", err)
	}

	if last == nil || last.ToState == state.StateIdle {
		report := Report{
			Session:   SessionClean,
			LastState: state.StateIdle,
			Options:   []Option{},
		}
		if last != nil {
			report.LastEntryAt = last.Timestamp
		}
		return report, nil
	}

	report := Report{
		Session:        SessionIncomplete,
		LastState:      last.ToState,
		LastEntryAt:    last.Timestamp,
		LastStudyUID:   last.StudyInstanceUID,
		SafetyCritical: last.ToState.SafetyCritical(),
	}
	if report.SafetyCritical {
		report.Options = []Option{AbortToIdle, ReviewAndDecide}
		report.Default = AbortToIdle
	} else {
		report.Options = []Option{AbortToIdle, ReviewAndDecide, ResumeFromLastState}
		report.Default = ReviewAndDecide
	}
	s.logger.Warn("interrupted session detected",
		zap.String("last_state", string(report.LastState)),
		zap.Bool("safety_critical", report.SafetyCritical),
		zap.String("study_uid", report.LastStudyUID))
	return report, nil
}

// Apply executes the operator's chosen option against the engine.
//
//   - AbortToIdle fires the ordinary abort transition, journaled like any
//     other, converging to Idle.
//   - ResumeFromLastState journals a recovery entry and resumes in place; it
//     is refused for safety-critical states regardless of what the caller
//     asks for.
//   - ReviewAndDecide mutates nothing.
func (s *Service) Apply(eng *engine.Engine, option Option, operatorID string) (Report, error) {
	report, err := s.Classify()
	if err != nil {
		return Report{}, err
	}
	if report.Session == SessionClean {
		if option != ReviewAndDecide {
			return report, fmt.Errorf("no interrupted session to recover")
		}
		return report, nil
	}

	switch option {
	case AbortToIdle:
		ctx := guard.NewBuilder().Meta(guard.MetaStudyUID, report.LastStudyUID).Build()
		result := eng.TryTransition(state.StateIdle, state.TriggerAbort, operatorID, ctx)
		if result.Code != engine.ResultSuccess {
			return report, fmt.Errorf("recovery abort failed: %s", result.Code)
		}
		s.logger.Info("recovery abort applied", zap.String("operator", operatorID))
		return report, nil

	case ResumeFromLastState:
		if report.SafetyCritical {
			return report, fmt.Errorf("resume not permitted from safety-critical state %s", report.LastState)
		}
		if err := eng.RecordRecoveryResume(operatorID); err != nil {
			return report, err
		}
		s.logger.Info("recovery resume applied",
			zap.String("state", string(report.LastState)),
			zap.String("operator", operatorID))
		return report, nil

	case ReviewAndDecide:
		return report, nil

	default:
		return report, fmt.Errorf("unknown recovery option %q", option)
	}
}
