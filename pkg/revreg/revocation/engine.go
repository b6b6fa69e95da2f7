// Package revocation implements the revocation registry engine: registry and
// status list creation, credential index allocation, revocation publication,
// hot-swapping of full registries and decommissioning.
//
// Every operation is scoped to a profile and persists into that profile's
// record store. Private registry material is read and written here only.
//
// Two pieces of shared state see real contention: the active flag of the
// registries of one credential definition, and the next index and pending
// set of a revocation list. Both are changed in short read-modify-write
// transactions. Credential creation, network registration and tails I/O
// never run inside a transaction.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/codec"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/observability"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/tails"
)

// Publisher emits notifications. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, scope, topic string, payload any) error
}

// Config configures an Engine.
type Config struct {
	Library   anoncreds.Library
	Registrar anoncreds.Registrar
	Tails     *tails.Client
	Publisher Publisher

	// RegistryType is used when a request leaves it empty.
	// Default: anoncreds.DefaultRegistryType.
	RegistryType string

	// MaxCredNum is used when a request leaves it zero. Default: 1000.
	MaxCredNum int

	// MaxConflictRetries bounds optimistic revocation attempts. Default: 5.
	MaxConflictRetries int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// Now is the time source. Default: time.Now.
	Now func() time.Time
}

// Engine is the revocation registry engine. It is safe for concurrent use.
type Engine struct {
	lib       anoncreds.Library
	registrar anoncreds.Registrar
	tails     *tails.Client
	publisher Publisher

	registryType string
	maxCredNum   int
	maxConflicts int

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Library == nil || cfg.Registrar == nil {
		return nil, errors.New("revocation engine needs a library and a registrar")
	}
	if cfg.Tails == nil {
		return nil, errors.New("revocation engine needs a tails client")
	}

	e := &Engine{
		lib:          cfg.Library,
		registrar:    cfg.Registrar,
		tails:        cfg.Tails,
		publisher:    cfg.Publisher,
		registryType: cfg.RegistryType,
		maxCredNum:   cfg.MaxCredNum,
		maxConflicts: cfg.MaxConflictRetries,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		spans:        cfg.Spans,
		now:          cfg.Now,
	}
	if e.registryType == "" {
		e.registryType = anoncreds.DefaultRegistryType
	}
	if e.maxCredNum <= 0 {
		e.maxCredNum = 1000
	}
	if e.maxConflicts <= 0 {
		e.maxConflicts = 5
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.NoopMetrics{}
	}
	if e.spans == nil {
		e.spans = observability.NoopSpanManager{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Tails returns the engine's tails client.
func (e *Engine) Tails() *tails.Client {
	return e.tails
}

// publish emits a notification. Failures are logged: notifications are
// advisory and never undo a committed change.
func (e *Engine) publish(ctx context.Context, p *profile.Profile, topic string, payload any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, p.Name, topic, payload); err != nil {
		e.logger.Warn("publish failed",
			"profile", p.Name,
			"topic", topic,
			"error", err,
		)
	}
}

// trace starts an operation span and returns a function that ends it.
func (e *Engine) trace(ctx context.Context, op string, p *profile.Profile) (context.Context, func(*error)) {
	ctx, span := e.spans.StartOperationSpan(ctx, op, p.Name)
	return ctx, func(errp *error) { e.spans.EndSpanWithError(span, *errp) }
}

// wrap attaches op to err, keeping the cause's kind.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *rrerrors.Error
	if errors.As(err, &re) && re.Op == op {
		return err
	}
	return rrerrors.New(rrerrors.KindOf(err), op, err)
}

func notFound(op, what, key string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return rrerrors.New(rrerrors.KindNotFound, op, fmt.Errorf("%s %s: %w", what, key, err))
	}
	return rrerrors.Transient(op, fmt.Errorf("fetch %s %s: %w", what, key, err))
}

func fetchDefinition(ctx context.Context, s storage.Session, op, regDefID string, forUpdate bool) (*RegistryDefinition, *storage.Record, error) {
	rec, err := s.Fetch(ctx, CategoryRegistryDefinition, regDefID, forUpdate)
	if err != nil {
		return nil, nil, notFound(op, "registry definition", regDefID, err)
	}
	def, err := decodeDefinition(rec)
	if err != nil {
		return nil, nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode registry definition %s: %w", regDefID, err))
	}
	return def, rec, nil
}

func fetchPrivate(ctx context.Context, s storage.Session, op, regDefID string) (*RegistryPrivateData, error) {
	rec, err := s.Fetch(ctx, CategoryRegistryPrivate, regDefID, false)
	if err != nil {
		return nil, notFound(op, "registry private data", regDefID, err)
	}
	priv, err := decodePrivate(rec)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode registry private data %s: %w", regDefID, err))
	}
	return priv, nil
}

func fetchList(ctx context.Context, s storage.Session, op, regDefID string, forUpdate bool) (*RevocationList, *storage.Record, error) {
	rec, err := s.Fetch(ctx, CategoryRevocationList, regDefID, forUpdate)
	if err != nil {
		return nil, nil, notFound(op, "revocation list", regDefID, err)
	}
	l, err := decodeList(rec)
	if err != nil {
		return nil, nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode revocation list %s: %w", regDefID, err))
	}
	return l, rec, nil
}

func definitionsOf(ctx context.Context, s storage.Session, op string, filter storage.TagFilter, forUpdate bool) ([]*RegistryDefinition, error) {
	recs, err := s.FetchAll(ctx, CategoryRegistryDefinition, filter, 0, forUpdate)
	if err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	out := make([]*RegistryDefinition, 0, len(recs))
	for _, rec := range recs {
		def, err := decodeDefinition(rec)
		if err != nil {
			return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode registry definition %s: %w", rec.Key, err))
		}
		out = append(out, def)
	}
	return out, nil
}

func putDefinition(ctx context.Context, s storage.Session, op string, def *RegistryDefinition) error {
	rec, err := encodeDefinition(def)
	if err != nil {
		return rrerrors.Unrecoverable(op, err)
	}
	if err := s.Replace(ctx, rec); err != nil {
		return rrerrors.Transient(op, err)
	}
	return nil
}

func putList(ctx context.Context, s storage.Session, op string, l *RevocationList) error {
	rec, err := encodeList(CategoryRevocationList, l)
	if err != nil {
		return rrerrors.Unrecoverable(op, err)
	}
	if err := s.Replace(ctx, rec); err != nil {
		return rrerrors.Transient(op, err)
	}
	return nil
}

// session opens a non-transactional session on the profile's store.
func session(ctx context.Context, p *profile.Profile, op string) (storage.Session, error) {
	s, err := p.Store.Session(ctx)
	if err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	return s, nil
}

func transaction(ctx context.Context, p *profile.Profile, op string) (storage.Session, error) {
	tx, err := p.Store.Transaction(ctx)
	if err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	return tx, nil
}

func commit(ctx context.Context, tx storage.Session, op string) error {
	if err := tx.Commit(ctx); err != nil {
		return rrerrors.Transient(op, err)
	}
	return nil
}

// StoreCredentialDefinition persists a credential definition and its
// private part so registries can be created for it.
func (e *Engine) StoreCredentialDefinition(ctx context.Context, p *profile.Profile, def *anoncreds.CredentialDefinition, private *anoncreds.CredentialDefinitionPrivate) error {
	const op = "store credential definition"
	if def == nil || def.ID == "" {
		return rrerrors.Validation(op, "credential definition needs an id")
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return err
	}
	defer tx.Close()

	put := func(category string, v any) error {
		value, err := codec.Marshal(v)
		if err != nil {
			return rrerrors.Unrecoverable(op, err)
		}
		rec := &storage.Record{
			Category: category,
			Key:      def.ID,
			Value:    value,
			Tags:     map[string]string{TagIssuerID: def.IssuerID},
		}
		err = tx.Insert(ctx, rec)
		if errors.Is(err, storage.ErrDuplicate) {
			err = tx.Replace(ctx, rec)
		}
		if err != nil {
			return rrerrors.Transient(op, err)
		}
		return nil
	}

	if err := put(CategoryCredentialDefinition, def); err != nil {
		return err
	}
	if private != nil {
		if err := put(CategoryCredentialDefinitionPrivate, private); err != nil {
			return err
		}
	}
	return commit(ctx, tx, op)
}

// GetCredentialDefinition returns a stored credential definition.
func (e *Engine) GetCredentialDefinition(ctx context.Context, p *profile.Profile, credDefID string) (*anoncreds.CredentialDefinition, error) {
	const op = "get credential definition"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return fetchCredDef(ctx, s, op, credDefID)
}

func fetchCredDef(ctx context.Context, s storage.Session, op, credDefID string) (*anoncreds.CredentialDefinition, error) {
	rec, err := s.Fetch(ctx, CategoryCredentialDefinition, credDefID, false)
	if err != nil {
		return nil, notFound(op, "credential definition", credDefID, err)
	}
	var def anoncreds.CredentialDefinition
	if err := codec.Unmarshal(rec.Value, &def); err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode credential definition %s: %w", credDefID, err))
	}
	return &def, nil
}

func fetchCredDefPrivate(ctx context.Context, s storage.Session, op, credDefID string) (*anoncreds.CredentialDefinitionPrivate, error) {
	rec, err := s.Fetch(ctx, CategoryCredentialDefinitionPrivate, credDefID, false)
	if err != nil {
		return nil, notFound(op, "credential definition private", credDefID, err)
	}
	var priv anoncreds.CredentialDefinitionPrivate
	if err := codec.Unmarshal(rec.Value, &priv); err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode credential definition private %s: %w", credDefID, err))
	}
	return &priv, nil
}

// GetRegistryDefinition returns a registry definition.
func (e *Engine) GetRegistryDefinition(ctx context.Context, p *profile.Profile, regDefID string) (*RegistryDefinition, error) {
	const op = "get registry definition"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	def, _, err := fetchDefinition(ctx, s, op, regDefID, false)
	return def, err
}

// GetRevocationList returns a registry's revocation list.
func (e *Engine) GetRevocationList(ctx context.Context, p *profile.Profile, regDefID string) (*RevocationList, error) {
	return ReadRevocationList(ctx, p, regDefID)
}

// ReadRevocationList is GetRevocationList without an engine.
func ReadRevocationList(ctx context.Context, p *profile.Profile, regDefID string) (*RevocationList, error) {
	const op = "get revocation list"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	l, _, err := fetchList(ctx, s, op, regDefID, false)
	return l, err
}
