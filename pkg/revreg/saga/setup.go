// Package saga implements DefaultRevocationSetup, the event-driven saga that
// takes a credential definition with revocation support from "finished" to
// an active revocation registry with one spare.
//
// The saga is a chain of request/response topic pairs on the event bus:
//
//	credential definition finished
//	  -> registry create -> registry store
//	       -> (first registry) spawn a backup saga
//	       -> list create -> list store
//	            -> (first registry) activation
//	                 -> (after full handling) spawn a backup saga
//	registry full detected -> full handling -> activation
//
// A registry or list the network answers with "wait" suspends its saga. The
// request that continues it is stored until the engine finishes the
// registration, and the saga resumes on the matching finished notification.
//
// Every request is persisted in the profile's event store under its own
// correlation id before the engine runs it. A failed step becomes a response
// carrying a Failure; the response handler retries it with backoff under the
// same correlation id, or gives up with an intervention notification.
package saga

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/event"
	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/observability"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// Name is the saga's name.
const Name = "DefaultRevocationSetup"

// StateActive is the result state of a full-handling step that found the
// registry already swapped out.
const StateActive = "ACTIVE"

// Engine is the part of the revocation engine the saga drives.
// *revocation.Engine implements it.
type Engine interface {
	CreateRegistryDefinition(ctx context.Context, p *profile.Profile, in revocation.CreateRegistryInput) (*revocation.StepResult, error)
	StoreRegistryDefinition(ctx context.Context, p *profile.Profile, regDefID string) (*revocation.RegistryDefinition, error)
	CreateRevocationList(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (*revocation.StepResult, error)
	StoreRevocationList(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (*revocation.RevocationList, error)
	SetActiveRegistry(ctx context.Context, p *profile.Profile, regDefID string) error
	GetRegistryDefinition(ctx context.Context, p *profile.Profile, regDefID string) (*revocation.RegistryDefinition, error)
	GetActiveRegistry(ctx context.Context, p *profile.Profile, credDefID string) (*revocation.RegistryDefinition, error)
	FindBackupRegistry(ctx context.Context, p *profile.Profile, credDefID, exclude string) (*revocation.RegistryDefinition, error)
	MarkRegistryFull(ctx context.Context, p *profile.Profile, regDefID string) error
	ListRegistries(ctx context.Context, p *profile.Profile, credDefID string, state revocation.RegistryState) ([]*revocation.RegistryDefinition, error)
	GetRevocationList(ctx context.Context, p *profile.Profile, regDefID string) (*revocation.RevocationList, error)
}

var _ Engine = (*revocation.Engine)(nil)

// Bus is the part of the event bus the saga uses. *event.Bus implements it.
type Bus interface {
	Subscribe(pattern string, handler event.Handler) (event.Subscription, error)
	Publish(ctx context.Context, scope, topic string, payload any) error
}

// Config configures the saga.
type Config struct {
	Engine   Engine
	Bus      Bus
	Profiles profile.Resolver

	// MaxAttempts bounds the attempts of one step, the first included.
	// Default: 5.
	MaxAttempts int

	// Policy times retries and expiries. Default: eventstore.DefaultPolicy().
	Policy eventstore.Policy

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// Now is the event store's time source. Default: time.Now.
	Now func() time.Time
}

// DefaultRevocationSetup is the revocation setup saga.
type DefaultRevocationSetup struct {
	engine      Engine
	bus         Bus
	profiles    profile.Resolver
	maxAttempts int
	policy      eventstore.Policy
	now         func() time.Time

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu   sync.Mutex
	subs []event.Subscription
}

// New creates the saga. It handles nothing until Register is called.
func New(cfg Config) (*DefaultRevocationSetup, error) {
	if cfg.Engine == nil || cfg.Bus == nil || cfg.Profiles == nil {
		return nil, errors.New("saga needs an engine, a bus and a profile resolver")
	}
	s := &DefaultRevocationSetup{
		engine:      cfg.Engine,
		bus:         cfg.Bus,
		profiles:    cfg.Profiles,
		maxAttempts: cfg.MaxAttempts,
		policy:      cfg.Policy,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		spans:       cfg.Spans,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.policy == (eventstore.Policy{}) {
		s.policy = eventstore.DefaultPolicy()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observability.NoopMetrics{}
	}
	if s.spans == nil {
		s.spans = observability.NoopSpanManager{}
	}
	s.logger = s.logger.With("saga", Name)
	return s, nil
}

// Name returns the saga's name.
func (s *DefaultRevocationSetup) Name() string {
	return Name
}

// Register subscribes the saga's handlers to the bus. On failure nothing
// stays subscribed.
func (s *DefaultRevocationSetup) Register() error {
	handlers := map[string]event.Handler{
		topic.CredDefFinished:      event.TypedHandler(s.onCredDefFinished),
		topic.RegistryFullDetected: event.TypedHandler(s.onRegistryFullDetected),

		topic.RegistryDefinitionFinished: event.TypedHandler(s.onRegistryFinished),
		topic.RevocationListFinished:     event.TypedHandler(s.onListFinished),
	}
	for _, step := range topic.Steps {
		handlers[step.RequestTopic()] = event.TypedHandler(s.requestHandler(step))
		handlers[step.ResponseTopic()] = event.TypedHandler(s.onResponse)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for t, h := range handlers {
		sub, err := s.bus.Subscribe(topic.Pattern(t), h)
		if err != nil {
			for _, sub := range s.subs {
				sub.Unsubscribe()
			}
			s.subs = nil
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close unsubscribes the saga's handlers.
func (s *DefaultRevocationSetup) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// events returns the event store of p.
func (s *DefaultRevocationSetup) events(p *profile.Profile) *eventstore.Store {
	return eventstore.New(p.Store,
		eventstore.WithPolicy(s.policy),
		eventstore.WithClock(s.now),
		eventstore.WithLogger(s.logger),
	)
}

// emit publishes a follow-up event. The saga only logs publish failures:
// the persisted request stays behind for recovery.
func (s *DefaultRevocationSetup) emit(ctx context.Context, scope, t string, payload any) error {
	if err := s.bus.Publish(ctx, scope, t, payload); err != nil {
		s.logger.Error("publish failed",
			"profile", scope,
			"topic", t,
			"error", err,
		)
		return err
	}
	return nil
}

// closeEvent records the outcome of a step in the event store.
func closeEvent(ctx context.Context, store *eventstore.Store, resp topic.Response, success bool, errMsg string) error {
	corrID := resp.Request.Options.CorrelationID()
	if corrID == "" {
		return nil
	}
	var result any
	if success {
		result = resp.Result
	}
	return store.UpdateEventResponse(ctx, resp.Step.RequestTopic(), corrID, success, result, errMsg)
}
