package event

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID   string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a topic plus payload. Pattern and Match are filled in by the bus
// for the subscriber that receives it.
type Event struct {
	Topic   string   `json:"topic"`
	Payload any      `json:"payload"`
	Meta    Metadata `json:"metadata"`

	// Pattern is the subscription pattern that matched Topic.
	Pattern string `json:"-"`

	// Match holds the regex submatches, Match[0] being the whole match.
	Match []string `json:"-"`
}

// EventOption configures event creation.
type EventOption func(*Metadata)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EventOption {
	return func(m *Metadata) {
		m.EventID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) EventOption {
	return func(m *Metadata) {
		m.Timestamp = t
	}
}

// New creates an event for topic carrying payload.
func New(topic string, payload any, opts ...EventOption) Event {
	meta := Metadata{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&meta)
	}
	return Event{Topic: topic, Payload: payload, Meta: meta}
}

// annotated returns a copy carrying the match details for one subscriber.
func (e Event) annotated(pattern string, match []string) Event {
	e.Pattern = pattern
	e.Match = slices.Clone(match)
	return e
}

// Decode extracts a typed payload from an event.
// Payloads published in-process arrive as T or *T; payloads that crossed a
// serialization boundary arrive as generic maps and are converted via JSON.
func Decode[T any](evt Event) (T, error) {
	var payload T

	switch d := evt.Payload.(type) {
	case T:
		return d, nil
	case *T:
		if d != nil {
			return *d, nil
		}
		return payload, &EventError{Event: evt, Message: "nil payload"}
	case map[string]any, json.RawMessage, []byte:
		var raw []byte
		switch v := d.(type) {
		case json.RawMessage:
			raw = v
		case []byte:
			raw = v
		default:
			var err error
			if raw, err = json.Marshal(v); err != nil {
				return payload, &EventError{Event: evt, Message: "failed to marshal event data", Err: err}
			}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, &EventError{Event: evt, Message: "failed to unmarshal event data to expected type", Err: err}
		}
		return payload, nil
	default:
		return payload, &EventError{Event: evt, Message: "unexpected payload type"}
	}
}

// Handler processes events delivered by the bus.
type Handler interface {
	Handle(ctx context.Context, scope string, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, scope string, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, scope string, evt Event) error {
	return f(ctx, scope, evt)
}

// TypedHandler wraps a function handling a specific payload type.
func TypedHandler[T any](fn func(ctx context.Context, scope string, payload T, evt Event) error) Handler {
	return HandlerFunc(func(ctx context.Context, scope string, evt Event) error {
		payload, err := Decode[T](evt)
		if err != nil {
			return err
		}
		return fn(ctx, scope, payload, evt)
	})
}
