// Package handlers wires the event-bus subscribers: the websocket state
// tracker, the audit log, and operator-alert logging. This keeps the GUI,
// telemetry and logging concerns out of the engine itself.
package handlers

import (
	"go.uber.org/zap"

	"xray-console/internal/event"
	"xray-console/internal/state"
	"xray-console/internal/web"
)

// Register subscribes all handlers to the bus.
func Register(bus *event.Bus, tracker *web.StateTracker, logger *zap.Logger) {
	audit := logger.With(zap.String("component", "audit"))

	// Console feed: every committed and rejected transition.
	bus.Subscribe(event.TransitionCommitted, func(e event.Event) {
		tracker.RecordTransition(web.TransitionView{
			TransitionID: e.TransitionID,
			From:         e.FromState,
			To:           e.ToState,
			Trigger:      e.Trigger,
			Category:     e.Category,
			Timestamp:    e.Timestamp,
			Committed:    true,
		})
	})
	bus.Subscribe(event.TransitionRejected, func(e event.Event) {
		tracker.RecordTransition(web.TransitionView{
			TransitionID: e.TransitionID,
			From:         e.FromState,
			To:           e.ToState,
			Trigger:      e.Trigger,
			Category:     e.Category,
			Timestamp:    e.Timestamp,
			Committed:    false,
			FailedGuards: e.FailedGuards,
		})
	})
	bus.Subscribe(event.EmergencyInitiated, func(e event.Event) {
		tracker.SetStudy(e.StudyUID, "", true)
	})

	// Safety-category denials are operator-visible alerts, not just feed
	// entries.
	bus.Subscribe(event.TransitionRejected, func(e event.Event) {
		if e.Category != state.CategorySafety {
			return
		}
		audit.Error("safety transition denied",
			zap.String("trigger", string(e.Trigger)),
			zap.Strings("failed_guards", e.FailedGuards),
			zap.String("study_uid", e.StudyUID),
			zap.String("operator", e.OperatorID))
	})

	bus.Subscribe(event.TransitionCommitted, func(e event.Event) {
		audit.Info("transition committed",
			zap.String("from", string(e.FromState)),
			zap.String("to", string(e.ToState)),
			zap.String("trigger", string(e.Trigger)),
			zap.String("category", string(e.Category)),
			zap.String("study_uid", e.StudyUID))
	})
	bus.Subscribe(event.RecoveryApplied, func(e event.Event) {
		audit.Warn("recovery action applied",
			zap.String("state", string(e.ToState)),
			zap.String("operator", e.OperatorID))
	})
}
