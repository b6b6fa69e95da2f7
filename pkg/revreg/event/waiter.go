package event

import (
	"context"
	"regexp"
	"sync"
)

// Waiter resolves with the first event matching a WaitForEvent call.
type Waiter struct {
	bus  *Bus
	id   uint64
	ch   chan Event
	once sync.Once
}

// WaitForEvent registers a single-use subscription in scope. The returned
// Waiter resolves with the first event whose topic matches pattern and for
// which predicate returns true (a nil predicate accepts everything); the
// subscription removes itself once it fires.
//
// Register the waiter before triggering the event you expect.
func (b *Bus) WaitForEvent(scope, pattern string, predicate func(Event) bool) (*Waiter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	w := &Waiter{bus: b, id: b.nextID.Add(1), ch: make(chan Event, 1)}
	handler := HandlerFunc(func(_ context.Context, evtScope string, evt Event) error {
		if evtScope != scope {
			return nil
		}
		if predicate != nil && !predicate(evt) {
			return nil
		}
		w.once.Do(func() {
			w.ch <- evt
			b.remove(w.id)
		})
		return nil
	})

	if _, err := b.add(w.id, re, handler); err != nil {
		return nil, err
	}
	return w, nil
}

// Wait blocks until the event arrives, ctx ends or the bus shuts down.
// Giving up cancels the underlying subscription.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case evt := <-w.ch:
		return evt, nil
	case <-ctx.Done():
		w.Cancel()
		return Event{}, ctx.Err()
	case <-w.bus.ctx.Done():
		w.Cancel()
		// An event may have landed just before shutdown.
		select {
		case evt := <-w.ch:
			return evt, nil
		default:
			return Event{}, ErrBusClosed
		}
	}
}

// Cancel removes the subscription without waiting.
func (w *Waiter) Cancel() {
	w.once.Do(func() {
		w.bus.remove(w.id)
	})
}
