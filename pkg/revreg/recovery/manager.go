// Package recovery resumes saga steps that were interrupted, for example by a
// restart between a request being persisted and its response being handled.
//
// Manager re-emits persisted requests on the bus; the saga's request handler
// picks them up as if they were retries. Tracker and Middleware run that
// recovery lazily, once per profile, alongside the first request that finds
// expired work.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/observability"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// Publisher emits recovered requests. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, scope, topic string, payload any) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Bus Publisher

	// Policy must match the saga's so expiries agree.
	// Default: eventstore.DefaultPolicy().
	Policy eventstore.Policy

	// Concurrency bounds how many profiles RecoverAll works on at once.
	// Default: 4.
	Concurrency int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// Now is the time source. Default: time.Now.
	Now func() time.Time
}

// Manager re-emits pending saga requests.
type Manager struct {
	bus         Publisher
	policy      eventstore.Policy
	concurrency int
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("recovery manager needs a bus")
	}
	m := &Manager{
		bus:         cfg.Bus,
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if m.policy == (eventstore.Policy{}) {
		m.policy = eventstore.DefaultPolicy()
	}
	if m.concurrency <= 0 {
		m.concurrency = 4
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observability.NoopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.logger = m.logger.With("component", "recovery")
	return m, nil
}

func (m *Manager) events(p *profile.Profile) *eventstore.Store {
	return eventstore.New(p.Store,
		eventstore.WithPolicy(m.policy),
		eventstore.WithClock(m.now),
		eventstore.WithLogger(m.logger),
	)
}

// CountPending returns how many saga steps of p are pending and how many of
// those have expired.
func (m *Manager) CountPending(ctx context.Context, p *profile.Profile) (pending, recoverable int, err error) {
	return m.events(p).CountPending(ctx)
}

// RecoverInProgressEvents re-emits the pending saga requests of p and
// returns how many were re-emitted. With onlyExpired, steps still inside
// their expiry window are left alone.
//
// Each record is moved to IN_PROGRESS with a fresh expiry before it is
// re-emitted, so an immediate second pass skips it. A record that cannot be
// recovered does not stop the others; all failures are returned together.
func (m *Manager) RecoverInProgressEvents(ctx context.Context, p *profile.Profile, onlyExpired bool) (n int, err error) {
	defer func() { m.metrics.RecordRecovery(ctx, p.Name, n, err) }()

	store := m.events(p)
	recs, err := store.GetInProgressEvents(ctx, onlyExpired)
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			err = multierr.Append(err, ctx.Err())
			break
		}
		if rerr := m.recoverOne(ctx, p, store, rec); rerr != nil {
			m.logger.Warn("saga step not recovered",
				"profile", p.Name,
				"event_type", rec.EventType,
				"correlation_id", rec.CorrelationID,
				"error", rerr,
			)
			err = multierr.Append(err, rerr)
			continue
		}
		n++
	}

	if n > 0 || err != nil {
		m.logger.Info("saga recovery finished",
			"profile", p.Name,
			"recovered", n,
			"candidates", len(recs),
			"error", err,
		)
	}
	return n, err
}

func (m *Manager) recoverOne(ctx context.Context, p *profile.Profile, store *eventstore.Store, rec *eventstore.Record) error {
	step, err := topic.StepForRequest(rec.EventType)
	if err != nil {
		return err
	}
	var req topic.Request
	if err := rec.DecodePayload(&req); err != nil {
		return fmt.Errorf("decode %s %s: %w", rec.EventType, rec.CorrelationID, err)
	}

	// The record's options are newer than the payload's after a retry.
	opts := req.Options.Merge(rec.Options)
	req.Options = opts.
		With(options.KeyCorrelationID, rec.CorrelationID).
		With(options.KeyRetryCount, rec.RetryCount).
		With(options.KeyRecovery, true)

	if err := store.MarkRecovering(ctx, rec.EventType, rec.CorrelationID); err != nil {
		return err
	}
	return m.bus.Publish(ctx, p.Name, step.RequestTopic(), req)
}

// RecoverAll runs RecoverInProgressEvents for every profile, a bounded
// number at a time, and returns the total re-emitted.
func (m *Manager) RecoverAll(ctx context.Context, profiles []*profile.Profile, onlyExpired bool) (int, error) {
	var (
		mu    sync.Mutex
		total int
		errs  error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, p := range profiles {
		g.Go(func() error {
			n, err := m.RecoverInProgressEvents(ctx, p, onlyExpired)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("profile %s: %w", p.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errs
}
