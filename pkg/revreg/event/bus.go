package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusClosed is returned by operations on a bus that has been shut down.
var ErrBusClosed = errors.New("event bus closed")

// Subscription is the handle returned by Subscribe.
// Handlers are removed by handle, never by function identity.
type Subscription interface {
	// ID uniquely identifies the subscription within its bus.
	ID() uint64

	// Pattern returns the regular expression source.
	Pattern() string

	// Unsubscribe removes the subscription. Safe to call more than once.
	Unsubscribe()
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// MaxConcurrentTasks bounds the number of handlers running at once.
	// Further dispatches queue until a slot frees up. A queued dispatch is a
	// parked goroutine, so Publish never blocks and the queue itself is not
	// bounded.
	// Default: 50
	MaxConcurrentTasks int

	// ShutdownTimeout bounds how long Shutdown waits for running handlers.
	// Default: 5s
	ShutdownTimeout time.Duration

	// Logger receives handler failures. Default: slog.Default().
	Logger *slog.Logger

	// OnError is called when a handler returns an error or panics.
	// Cancellation errors are not reported.
	OnError func(scope string, evt Event, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	MaxConcurrentTasks: 50,
	ShutdownTimeout:    5 * time.Second,
}

// Bus is an in-memory regex-routed event bus.
type Bus struct {
	config BusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscription

	nextID atomic.Uint64
	sem    *semaphore.Weighted

	// ctx is cancelled on Shutdown; every dispatch observes it.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}
}

// NewBus creates a new event bus.
func NewBus(config BusConfig) *Bus {
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = DefaultBusConfig.MaxConcurrentTasks
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultBusConfig.ShutdownTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		config: config,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentTasks)),
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
	}
}

// subscription is an internal subscription implementation.
type subscription struct {
	id      uint64
	pattern *regexp.Regexp
	handler Handler
	bus     *Bus
}

func (s *subscription) ID() uint64      { return s.id }
func (s *subscription) Pattern() string { return s.pattern.String() }
func (s *subscription) Unsubscribe()    { s.bus.remove(s.id) }

// Subscribe registers handler for every topic matching pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe: compile pattern %q: %w", pattern, err)
	}
	return b.add(b.nextID.Add(1), re, handler)
}

func (b *Bus) add(id uint64, re *regexp.Regexp, handler Handler) (*subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	sub := &subscription{id: id, pattern: re, handler: handler, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy-on-write so Notify can iterate without holding the lock.
	subs := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, sub)
	return sub, nil
}

// Unsubscribe removes a subscription. It reports whether it was still
// registered.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	if sub == nil {
		return false
	}
	return b.remove(sub.ID())
}

func (b *Bus) remove(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s *subscription) bool { return s.id == id })
	if i < 0 {
		return false
	}
	b.subs = slices.Delete(slices.Clone(b.subs), i, i+1)
	return true
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify publishes evt into scope. Every matching handler is scheduled on
// its own goroutine; Notify never waits for a handler to run.
func (b *Bus) Notify(ctx context.Context, scope string, evt Event) error {
	if b.closed.Load() {
		return &EventError{Event: evt, Scope: scope, Message: "notify", Err: ErrBusClosed}
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		match := sub.pattern.FindStringSubmatch(evt.Topic)
		if match == nil {
			continue
		}
		b.dispatch(ctx, scope, sub, evt.annotated(sub.pattern.String(), match))
	}
	return nil
}

// Publish is a convenience wrapper building the event from topic and payload.
func (b *Bus) Publish(ctx context.Context, scope, topic string, payload any) error {
	return b.Notify(ctx, scope, New(topic, payload))
}

func (b *Bus) dispatch(ctx context.Context, scope string, sub *subscription, evt Event) {
	b.begin()

	// Handlers keep the publisher's values (trace spans, loggers) but not its
	// cancellation; only Shutdown cancels them.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(b.ctx, cancel)

	go func() {
		defer b.end()
		defer cancel()
		defer stop()

		if err := b.sem.Acquire(hctx, 1); err != nil {
			return
		}
		defer b.sem.Release(1)
		// Acquire may succeed on a free slot after shutdown began.
		if b.ctx.Err() != nil {
			return
		}

		b.run(hctx, scope, sub, evt)
	}()
}

func (b *Bus) run(ctx context.Context, scope string, sub *subscription, evt Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
		}()
		err = sub.handler.Handle(ctx, scope, evt)
	}()

	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		b.logger.Debug("event handler cancelled",
			"topic", evt.Topic,
			"pattern", evt.Pattern,
			"scope", scope,
		)
		return
	}

	b.logger.Error("event handler failed",
		"topic", evt.Topic,
		"pattern", evt.Pattern,
		"scope", scope,
		"event_id", evt.Meta.EventID,
		"error", err,
	)
	if b.config.OnError != nil {
		b.config.OnError(scope, evt, err)
	}
}

func (b *Bus) begin() {
	b.inflightMu.Lock()
	b.inflight++
	b.inflightMu.Unlock()
}

func (b *Bus) end() {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	b.inflight--
	if b.inflight == 0 {
		close(b.idle)
		b.idle = make(chan struct{})
	}
}

// Drain waits until no dispatch is pending or running, including dispatches
// scheduled by handlers while draining.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		b.inflightMu.Lock()
		if b.inflight == 0 {
			b.inflightMu.Unlock()
			return nil
		}
		idle := b.idle
		b.inflightMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every pending and running dispatch and waits for them to
// return, at most ShutdownTimeout. Calling it again is a no-op.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.cancel()

	ctx, cancel := context.WithTimeout(ctx, b.config.ShutdownTimeout)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		b.inflightMu.Lock()
		pending := b.inflight
		b.inflightMu.Unlock()
		b.logger.Warn("event bus shutdown timed out", "pending", pending)
		return fmt.Errorf("shutdown: %d handlers still running: %w", pending, err)
	}
	return nil
}

// Closed reports whether Shutdown has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}
