package event

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ParkedEvent is an event held for operator attention.
type ParkedEvent struct {
	EventID  string    `json:"event_id"`
	Topic    string    `json:"topic"`
	Scope    string    `json:"scope"`
	Payload  any       `json:"payload"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}

// ParkedQueue is an in-memory holding area for events nobody can process
// automatically, such as intervention requests. Oldest entries are evicted
// once MaxSize is reached.
type ParkedQueue struct {
	mu      sync.RWMutex
	events  map[string]*ParkedEvent
	order   []string
	maxSize int

	// OnPark is called after an event is parked.
	OnPark func(*ParkedEvent)
}

// NewParkedQueue creates a queue holding at most maxSize events
// (default 10000).
func NewParkedQueue(maxSize int) *ParkedQueue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &ParkedQueue{
		events:  make(map[string]*ParkedEvent),
		maxSize: maxSize,
	}
}

// Park stores evt with the reason it could not be processed.
func (q *ParkedQueue) Park(scope string, evt Event, reason string) *ParkedEvent {
	parked := &ParkedEvent{
		EventID:  evt.Meta.EventID,
		Topic:    evt.Topic,
		Scope:    scope,
		Payload:  evt.Payload,
		Reason:   reason,
		ParkedAt: time.Now(),
	}

	q.mu.Lock()
	if _, exists := q.events[parked.EventID]; !exists {
		q.order = append(q.order, parked.EventID)
	}
	q.events[parked.EventID] = parked
	for len(q.order) > q.maxSize {
		delete(q.events, q.order[0])
		q.order = q.order[1:]
	}
	q.mu.Unlock()

	if q.OnPark != nil {
		q.OnPark(parked)
	}
	return parked
}

// Handler returns a bus handler that parks every event it receives.
func (q *ParkedQueue) Handler(reason string) Handler {
	return HandlerFunc(func(_ context.Context, scope string, evt Event) error {
		q.Park(scope, evt, reason)
		return nil
	})
}

// List returns up to limit parked events, oldest first. A limit of zero or
// less returns all of them.
func (q *ParkedQueue) List(limit int) []*ParkedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := q.order
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*ParkedEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.events[id])
	}
	return out
}

// Get returns a parked event by id.
func (q *ParkedQueue) Get(eventID string) (*ParkedEvent, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.events[eventID]
	return p, ok
}

// Acknowledge removes a parked event once an operator has dealt with it.
// It reports whether the event was present.
func (q *ParkedQueue) Acknowledge(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.events[eventID]; !ok {
		return false
	}
	delete(q.events, eventID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == eventID })
	return true
}

// Len returns the number of parked events.
func (q *ParkedQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}
