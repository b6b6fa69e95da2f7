package revreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"go.uber.org/multierr"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/config"
	"github.com/randalmurphal/revreg/pkg/revreg/event"
	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/observability"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/recovery"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/saga"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/tails"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// ErrNotStarted is returned by operations that need a started service.
var ErrNotStarted = errors.New("revreg service not started")

// Deps are the collaborators a Service cannot build from settings.
type Deps struct {
	Library   anoncreds.Library
	Registrar anoncreds.Registrar

	// OpenStore opens the record store of a profile. Default: storage.Open
	// with the configured driver and directory.
	OpenStore func(profile string) (storage.Store, error)

	// HTTPClient talks to the tails server. Default: http.DefaultClient.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Service wires the revocation engine, the setup saga and recovery for a set
// of tenant profiles sharing one event bus.
type Service struct {
	settings config.Settings
	logger   *slog.Logger
	metrics  observability.MetricsRecorder

	bus       *event.Bus
	profiles  *profile.Registry
	openStore func(string) (storage.Store, error)
	engine    *revocation.Engine
	issuer    *revocation.Issuer
	saga      *saga.DefaultRevocationSetup
	recovery  *recovery.Manager
	tracker   *recovery.Tracker
	parked    *event.ParkedQueue

	mu       sync.Mutex
	started  bool
	parkSub  event.Subscription
	closeErr error
	closed   bool
}

// New builds a service. Nothing is subscribed until Start.
func New(settings config.Settings, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := deps.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}

	s := &Service{
		settings:  settings,
		logger:    logger,
		metrics:   metrics,
		profiles:  profile.NewRegistry(),
		openStore: deps.OpenStore,
		tracker:   recovery.NewTracker(),
		parked:    event.NewParkedQueue(0),
	}
	if s.openStore == nil {
		s.openStore = func(name string) (storage.Store, error) {
			return storage.Open(settings.Storage.Driver, settings.Storage.Dir, name)
		}
	}

	s.bus = event.NewBus(event.BusConfig{
		MaxConcurrentTasks: settings.Bus.MaxConcurrentTasks,
		ShutdownTimeout:    settings.Bus.ShutdownTimeout,
		Logger:             logger,
		OnError: func(_ string, evt event.Event, _ error) {
			metrics.RecordDispatchFailure(context.Background(), evt.Pattern)
		},
	})

	tailsClient := tails.New(tails.Config{
		BaseURL:        settings.Tails.BaseURL,
		Dir:            settings.Tails.Dir,
		HTTPClient:     deps.HTTPClient,
		UploadAttempts: settings.Tails.UploadMaxAttempts,
		UploadBackoff: backoff.WithTransforms(
			backoff.Exponential(settings.Tails.UploadInterval),
			linger.Limiter(0, settings.Tails.UploadMaxInterval),
		),
		Logger: logger,
	})

	engine, err := revocation.New(revocation.Config{
		Library:            deps.Library,
		Registrar:          deps.Registrar,
		Tails:              tailsClient,
		Publisher:          s.bus,
		RegistryType:       settings.Registry.Type,
		MaxCredNum:         settings.Registry.MaxCredNum,
		MaxConflictRetries: settings.Revocation.MaxConflictRetries,
		Logger:             logger,
		Metrics:            metrics,
		Spans:              spans,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	s.issuer = revocation.NewIssuer(engine, revocation.IssuerConfig{
		MaxAttempts: settings.Issuance.MaxAttempts,
		RetryPause:  settings.Issuance.RetryPause,
		Logger:      logger,
	})

	policy := eventstore.Policy{
		BackoffBase: settings.Saga.BackoffBase,
		BackoffMax:  settings.Saga.BackoffMax,
		ExpiryBase:  settings.Saga.ExpiryBase,
	}
	s.saga, err = saga.New(saga.Config{
		Engine:      engine,
		Bus:         s.bus,
		Profiles:    s.profiles,
		MaxAttempts: settings.Saga.MaxAttempts,
		Policy:      policy,
		Logger:      logger,
		Metrics:     metrics,
		Spans:       spans,
	})
	if err != nil {
		return nil, err
	}
	s.recovery, err = recovery.NewManager(recovery.ManagerConfig{
		Bus:     s.bus,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	s.parked.OnPark = func(p *event.ParkedEvent) {
		logger.Warn("intervention required",
			"profile", p.Scope,
			"event_id", p.EventID,
			"topic", p.Topic,
		)
	}
	return s, nil
}

// Start opens the configured profiles, subscribes the saga and parks
// intervention requests. With recoverPending, every saga step left pending
// by a previous run is re-emitted before Start returns.
func (s *Service) Start(ctx context.Context, recoverPending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.ErrBusClosed
	}
	if s.started {
		return nil
	}

	var opened []*profile.Profile
	for _, name := range s.settings.Profiles {
		p, err := s.Profile(name)
		if err != nil {
			return err
		}
		opened = append(opened, p)
	}

	if err := s.saga.Register(); err != nil {
		return fmt.Errorf("register %s: %w", s.saga.Name(), err)
	}
	sub, err := s.bus.Subscribe(topic.Pattern(topic.InterventionRequired), s.parked.Handler("saga step gave up"))
	if err != nil {
		s.saga.Close()
		return err
	}
	s.parkSub = sub
	s.started = true

	if recoverPending {
		// Nothing is in flight yet, so every pending step was interrupted.
		n, err := s.recovery.RecoverAll(ctx, opened, false)
		s.logger.Info("startup recovery finished", "recovered", n, "error", err)
		return err
	}
	return nil
}

// Profile returns the named profile, opening its record store on first use.
func (s *Service) Profile(name string) (*profile.Profile, error) {
	return s.profiles.GetOrCreate(name, func() (storage.Store, error) {
		return s.openStore(name)
	})
}

// NotifyCredentialDefinitionFinished announces a finished credential
// definition. When it supports revocation the setup saga creates its
// registries.
func (s *Service) NotifyCredentialDefinitionFinished(ctx context.Context, profileName string, payload topic.CredDefPayload) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	if _, err := s.Profile(profileName); err != nil {
		return err
	}
	return s.bus.Publish(ctx, profileName, topic.CredDefFinished, payload)
}

// RecoveryMiddleware returns HTTP middleware that recovers interrupted saga
// steps of the profile named by the revreg profile header.
func (s *Service) RecoveryMiddleware() func(http.Handler) http.Handler {
	return recovery.Middleware(recovery.MiddlewareConfig{
		Manager:     s.recovery,
		Tracker:     s.tracker,
		Profiles:    s.profiles,
		Enabled:     s.settings.Recovery.Enabled,
		Timeout:     s.settings.Recovery.Timeout,
		HealthPaths: s.settings.Recovery.HealthPaths,
		Logger:      s.logger,
	})
}

func (s *Service) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Bus returns the service's event bus.
func (s *Service) Bus() *event.Bus { return s.bus }

// Engine returns the revocation engine.
func (s *Service) Engine() *revocation.Engine { return s.engine }

// Issuer returns the credential issuer.
func (s *Service) Issuer() *revocation.Issuer { return s.issuer }

// Recovery returns the recovery manager.
func (s *Service) Recovery() *recovery.Manager { return s.recovery }

// Tracker returns the recovery tracker the middleware uses.
func (s *Service) Tracker() *recovery.Tracker { return s.tracker }

// Parked returns the queue holding intervention requests.
func (s *Service) Parked() *event.ParkedQueue { return s.parked }

// Close unsubscribes the saga, shuts the bus down and closes every profile
// store. Calling it again returns the first result.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	s.saga.Close()
	if s.parkSub != nil {
		s.parkSub.Unsubscribe()
	}
	s.closeErr = multierr.Combine(
		s.bus.Shutdown(ctx),
		s.profiles.Close(),
	)
	return s.closeErr
}
