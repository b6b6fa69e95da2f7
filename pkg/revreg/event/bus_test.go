package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/event"
)

func drain(t *testing.T, bus *event.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Drain(ctx))
}

func newBus(t *testing.T, cfg event.BusConfig) *event.Bus {
	t.Helper()
	bus := event.NewBus(cfg)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })
	return bus
}

func TestBus_RegexRouting(t *testing.T) {
	bus := newBus(t, event.BusConfig{})

	var mu sync.Mutex
	var got []event.Event
	_, err := bus.Subscribe(`^anoncreds::revocation-registry::(\w+)::requested$`,
		event.HandlerFunc(func(_ context.Context, scope string, evt event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "acme", scope)
			got = append(got, evt)
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "acme", "anoncreds::revocation-registry::create::requested", "payload"))
	require.NoError(t, bus.Publish(context.Background(), "acme", "anoncreds::revocation-list::create::requested", "ignored"))
	drain(t, bus)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "payload", got[0].Payload)
	assert.Equal(t, `^anoncreds::revocation-registry::(\w+)::requested$`, got[0].Pattern)
	assert.Equal(t, []string{"anoncreds::revocation-registry::create::requested", "create"}, got[0].Match)
}

func TestBus_InvalidPattern(t *testing.T) {
	bus := newBus(t, event.BusConfig{})
	_, err := bus.Subscribe(`(`, event.HandlerFunc(func(context.Context, string, event.Event) error { return nil }))
	assert.Error(t, err)
}

func TestBus_ConcurrencyBound(t *testing.T) {
	const limit = 3
	bus := newBus(t, event.BusConfig{MaxConcurrentTasks: limit})

	var running, peak atomic.Int32
	release := make(chan struct{})
	_, err := bus.Subscribe(`^work$`, event.HandlerFunc(func(context.Context, string, event.Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}))
	require.NoError(t, err)

	start := time.Now()
	for range 10 {
		require.NoError(t, bus.Publish(context.Background(), "s", "work", nil))
	}
	assert.Less(t, time.Since(start), time.Second, "publishing must not wait for handlers")

	assert.Eventually(t, func() bool { return running.Load() == limit }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(limit), running.Load(), "excess dispatches must queue")

	close(release)
	drain(t, bus)
	assert.Equal(t, int32(limit), peak.Load())
}

func TestBus_QueuedDispatchesDroppedOnShutdown(t *testing.T) {
	bus := event.NewBus(event.BusConfig{MaxConcurrentTasks: 1, ShutdownTimeout: time.Second})

	var started atomic.Int32
	_, err := bus.Subscribe(`^work$`, event.HandlerFunc(func(ctx context.Context, _ string, _ event.Event) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, err)

	start := time.Now()
	for range 100 {
		require.NoError(t, bus.Publish(context.Background(), "s", "work", nil))
	}
	assert.Less(t, time.Since(start), time.Second, "queued dispatches must not block the publisher")
	assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Shutdown(context.Background()))
	assert.Equal(t, int32(1), started.Load(), "queued dispatches never run after shutdown")
}

func TestBus_HandlerIsolation(t *testing.T) {
	var reported []error
	var mu sync.Mutex
	bus := newBus(t, event.BusConfig{
		OnError: func(_ string, _ event.Event, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	var ok atomic.Int32
	_, err := bus.Subscribe(`^topic$`, event.HandlerFunc(func(context.Context, string, event.Event) error {
		panic("boom")
	}))
	require.NoError(t, err)
	_, err = bus.Subscribe(`^topic$`, event.HandlerFunc(func(context.Context, string, event.Event) error {
		return errors.New("handler failed")
	}))
	require.NoError(t, err)
	_, err = bus.Subscribe(`^topic$`, event.HandlerFunc(func(context.Context, string, event.Event) error {
		return context.Canceled
	}))
	require.NoError(t, err)
	_, err = bus.Subscribe(`^topic$`, event.HandlerFunc(func(context.Context, string, event.Event) error {
		ok.Add(1)
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "s", "topic", nil))
	drain(t, bus)

	assert.Equal(t, int32(1), ok.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2, "cancellation is not reported")
	var panicErr *event.PanicError
	assert.True(t, errors.As(reported[0], &panicErr) || errors.As(reported[1], &panicErr))
}

func TestBus_UnsubscribeByHandle(t *testing.T) {
	bus := newBus(t, event.BusConfig{})

	var calls atomic.Int32
	h := event.HandlerFunc(func(context.Context, string, event.Event) error {
		calls.Add(1)
		return nil
	})

	first, err := bus.Subscribe(`^x$`, h)
	require.NoError(t, err)
	_, err = bus.Subscribe(`^x$`, h)
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(first))
	assert.False(t, bus.Unsubscribe(first), "handle is consumed")
	first.Unsubscribe()
	assert.Equal(t, 1, bus.Len())

	require.NoError(t, bus.Publish(context.Background(), "s", "x", nil))
	drain(t, bus)
	assert.Equal(t, int32(1), calls.Load(), "only the remaining registration fires")
}

func TestBus_WaitForEvent(t *testing.T) {
	bus := newBus(t, event.BusConfig{})

	w, err := bus.WaitForEvent("acme", `::finished$`, func(evt event.Event) bool {
		return evt.Payload == "rr-2"
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "globex", "anoncreds::revocation-list::finished", "rr-2"))
	require.NoError(t, bus.Publish(ctx, "acme", "anoncreds::revocation-list::finished", "rr-1"))
	require.NoError(t, bus.Publish(ctx, "acme", "anoncreds::revocation-list::finished", "rr-2"))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	evt, err := w.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "rr-2", evt.Payload)

	drain(t, bus)
	assert.Equal(t, 0, bus.Len(), "waiter unsubscribes itself")
}

func TestBus_WaitForEvent_Timeout(t *testing.T) {
	bus := newBus(t, event.BusConfig{})

	w, err := bus.WaitForEvent("acme", `never`, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_Shutdown(t *testing.T) {
	bus := event.NewBus(event.BusConfig{MaxConcurrentTasks: 1, ShutdownTimeout: time.Second})

	var cancelled atomic.Int32
	_, err := bus.Subscribe(`^slow$`, event.HandlerFunc(func(ctx context.Context, _ string, _ event.Event) error {
		<-ctx.Done()
		cancelled.Add(1)
		return ctx.Err()
	}))
	require.NoError(t, err)

	for range 5 {
		require.NoError(t, bus.Publish(context.Background(), "s", "slow", nil))
	}

	w, err := bus.WaitForEvent("s", `never`, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, bus.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.LessOrEqual(t, cancelled.Load(), int32(1), "queued dispatches never start")

	require.NoError(t, bus.Shutdown(context.Background()), "shutdown is idempotent")
	assert.True(t, bus.Closed())

	err = bus.Publish(context.Background(), "s", "slow", nil)
	assert.ErrorIs(t, err, event.ErrBusClosed)

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, event.ErrBusClosed)
}

func TestBus_HandlerKeepsPublisherValues(t *testing.T) {
	type key struct{}
	bus := newBus(t, event.BusConfig{})

	got := make(chan any, 1)
	_, err := bus.Subscribe(`.*`, event.HandlerFunc(func(ctx context.Context, _ string, _ event.Event) error {
		got <- ctx.Value(key{})
		return ctx.Err()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "trace"))
	require.NoError(t, bus.Publish(ctx, "s", "t", nil))
	cancel()
	drain(t, bus)

	assert.Equal(t, "trace", <-got)
}
