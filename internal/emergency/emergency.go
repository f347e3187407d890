// Package emergency implements the unscheduled-patient bypass: straight from
// Idle to patient selection, skipping worklist synchronization but not
// journaling or guard evaluation.
package emergency

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xray-console/internal/engine"
	"xray-console/internal/event"
	"xray-console/internal/guard"
	"xray-console/internal/state"
	"xray-console/internal/study"
)

// ErrNotInIdleState is returned when an emergency workflow is requested while
// an exam is in progress. The pre-check has no side effects: nothing is
// journaled for a request that never reached the transition table.
var ErrNotInIdleState = errors.New("emergency workflow requires Idle state")

// Coordinator initiates emergency workflows through the ordinary engine path.
type Coordinator struct {
	engine *engine.Engine
	bus    *event.Bus
	logger *zap.Logger
}

func NewCoordinator(eng *engine.Engine, bus *event.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		engine: eng,
		bus:    bus,
		logger: logger.With(zap.String("component", "emergency_bypass")),
	}
}

// InitiateEmergencyWorkflow generates a distinguishable emergency study and
// drives the Idle -> PatientSelect emergency transition. The same journaling
// and atomicity rules as any other transition apply.
func (c *Coordinator) InitiateEmergencyWorkflow(patientID, patientName, operatorID string) (*study.Context, error) {
	if c.engine.CurrentState() != state.StateIdle {
		c.logger.Warn("emergency workflow refused",
			zap.String("current_state", string(c.engine.CurrentState())),
			zap.String("operator", operatorID))
		return nil, ErrNotInIdleState
	}

	st := &study.Context{
		StudyInstanceUID: "EM-" + uuid.NewString(),
		PatientID:        patientID,
		PatientName:      patientName,
		Emergency:        true,
		StartedAt:        time.Now().UTC(),
	}

	ctx := guard.NewBuilder().
		Fact(guard.FactIsEmergencyWorkflow, true).
		Fact(guard.FactPatientIDNotEmpty, patientID != "").
		Meta(guard.MetaStudyUID, st.StudyInstanceUID).
		Meta("PatientName", patientName).
		Build()

	result := c.engine.TryTransition(state.StatePatientSelect, state.TriggerEmergencyStart, operatorID, ctx)
	switch result.Code {
	case engine.ResultSuccess:
		c.logger.Warn("emergency workflow initiated",
			zap.String("study_uid", st.StudyInstanceUID),
			zap.String("patient_id", patientID),
			zap.String("operator", operatorID))
		c.bus.Publish(event.Event{
			Type:       event.EmergencyInitiated,
			FromState:  result.From,
			ToState:    result.To,
			Trigger:    state.TriggerEmergencyStart,
			Category:   state.CategorySafety,
			Timestamp:  time.Now().UTC(),
			OperatorID: operatorID,
			StudyUID:   st.StudyInstanceUID,
		})
		return st, nil
	case engine.ResultInvalidTransition:
		// Lost the race with another caller between pre-check and commit.
		return nil, ErrNotInIdleState
	case engine.ResultGuardFailed:
		return nil, fmt.Errorf("emergency workflow denied: failed guards %v", result.FailedGuards)
	default:
		return nil, fmt.Errorf("emergency workflow failed: %w", result.Err)
	}
}
