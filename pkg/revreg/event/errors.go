package event

import (
	"fmt"
	"time"
)

// EventError represents an error during event processing.
type EventError struct {
	Event     Event     // The event that failed
	Scope     string    // Scope the event was published into
	Message   string    // Error message
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// Error implements error interface.
func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s (%s): %s: %v", e.Event.Meta.EventID, e.Event.Topic, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s (%s): %s", e.Event.Meta.EventID, e.Event.Topic, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}

// PanicError reports a handler panic recovered by the bus.
type PanicError struct {
	Value any
}

// Error implements error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
