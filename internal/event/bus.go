package event

import (
	"sync"
	"time"

	"xray-console/internal/state"
)

// Type identifies a console event.
type Type string

const (
	TransitionCommitted Type = "TransitionCommitted"
	TransitionRejected  Type = "TransitionRejected"
	EmergencyInitiated  Type = "EmergencyInitiated"
	RejectionRecorded   Type = "RejectionRecorded"
	RecoveryApplied     Type = "RecoveryApplied"
)

// Event is the outward transition/event stream payload consumed by the
// presentation layer and telemetry.
type Event struct {
	Type         Type
	TransitionID string
	FromState    state.WorkflowState
	ToState      state.WorkflowState
	Trigger      state.Trigger
	Category     state.Category
	Timestamp    time.Time
	OperatorID   string
	StudyUID     string
	FailedGuards []string
	Detail       map[string]interface{}
}

// Handler is an event subscriber callback.
type Handler func(e Event)

// Bus is an in-process event bus. Publish delivers synchronously, on the
// publisher's goroutine, to subscribers in registration order: events for one
// engine are therefore observed in commit order, exactly once per subscriber
// within the process. The engine publishes after releasing its critical
// section, so handlers never extend the transition commit path.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers the event to every subscriber of its type, in order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
