package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// IssueRequest asks for one revocable credential.
type IssueRequest struct {
	CredDefID string
	Offer     json.RawMessage
	Request   json.RawMessage
	Values    map[string]string
	Options   options.Bag
}

// IssueResult is an issued credential and the index it is bound to.
type IssueResult struct {
	Credential *anoncreds.Credential
	RegDefID   string
	Index      int
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// MaxAttempts bounds allocate-then-create attempts. Default: 5.
	MaxAttempts int
	// RetryPause is the pause between attempts. Default: 2s.
	RetryPause time.Duration
	Logger     *slog.Logger
}

// Issuer issues revocable credentials against the active registry of a
// credential definition.
type Issuer struct {
	engine *Engine
	retry  rrerrors.RetryConfig
	logger *slog.Logger
}

// NewIssuer creates an issuer on top of engine.
func NewIssuer(engine *Engine, cfg IssuerConfig) *Issuer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = engine.logger
	}

	retry := rrerrors.ConstantRetry(cfg.MaxAttempts, cfg.RetryPause)
	retry.RetryableFunc = func(err error) bool {
		return rrerrors.IsRegistryFull(err) || rrerrors.IsRetryable(err)
	}
	return &Issuer{engine: engine, retry: retry, logger: cfg.Logger}
}

// IssueCredential allocates an index in the active registry and signs the
// credential against it.
//
// Each attempt re-reads the active registry, so an attempt that found the
// registry full picks up the backup once the swap lands. A full registry is
// announced on the bus. When this issuance took the final index, the swap to
// the backup runs before returning so the next caller lands on a fresh
// registry.
func (i *Issuer) IssueCredential(ctx context.Context, p *profile.Profile, req IssueRequest) (*IssueResult, error) {
	const op = "issue credential"
	if req.CredDefID == "" {
		return nil, rrerrors.Validation(op, "credential definition id is required")
	}

	retry := i.retry
	retry.OnRetry = func(attempt int, err error) {
		i.logger.Warn("credential issuance attempt failed",
			"profile", p.Name,
			"cred_def_id", req.CredDefID,
			"attempt", attempt,
			"error", err,
		)
	}

	res := rrerrors.WithRetryContext(ctx, retry, func(ctx context.Context) (*IssueResult, error) {
		return i.issueOnce(ctx, p, req)
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

func (i *Issuer) issueOnce(ctx context.Context, p *profile.Profile, req IssueRequest) (*IssueResult, error) {
	const op = "issue credential"
	e := i.engine

	active, err := e.GetActiveRegistry(ctx, p, req.CredDefID)
	if err != nil {
		return nil, err
	}

	alloc, err := e.AllocateIndex(ctx, p, active.Key())
	if err != nil {
		if rrerrors.IsRegistryFull(err) {
			e.publish(ctx, p, topic.RegistryFullDetected, topic.FullDetectedPayload{
				RegDefID:     active.Key(),
				CredDefID:    active.CredDefID,
				IssuerID:     active.IssuerID,
				RegistryType: active.RegistryType,
				MaxCredNum:   active.MaxCredNum,
				Options:      req.Options.Clean(),
			})
		}
		return nil, err
	}

	credDef, credDefPrivate, err := i.credentialDefinition(ctx, p, req.CredDefID)
	if err != nil {
		return nil, err
	}

	cred, err := e.lib.CreateCredential(ctx, anoncreds.CreateCredentialInput{
		CredDef:        credDef,
		CredDefPrivate: credDefPrivate,
		Offer:          req.Offer,
		Request:        req.Request,
		Values:         req.Values,
		Revocation:     alloc.RevocationConfig(),
	})
	if err != nil {
		// The index stays allocated and is never reused.
		return nil, wrap(op, fmt.Errorf("create credential at index %d of %s: %w", alloc.Index, alloc.RegDefID, err))
	}

	if alloc.Last() {
		if _, err := e.HandleFullRegistry(ctx, p, alloc.RegDefID, req.Options); err != nil {
			i.logger.Error("hot-swap after last index failed",
				"profile", p.Name,
				"rev_reg_def_id", alloc.RegDefID,
				"error", err,
			)
			if errors.Is(err, rrerrors.ErrNoBackupRegistry) {
				e.publish(ctx, p, topic.RegistryFullDetected, topic.FullDetectedPayload{
					RegDefID:     alloc.RegDefID,
					CredDefID:    active.CredDefID,
					IssuerID:     active.IssuerID,
					RegistryType: active.RegistryType,
					MaxCredNum:   active.MaxCredNum,
					Options:      req.Options.Clean(),
				})
			}
		}
	}

	return &IssueResult{Credential: cred, RegDefID: alloc.RegDefID, Index: alloc.Index}, nil
}

func (i *Issuer) credentialDefinition(ctx context.Context, p *profile.Profile, credDefID string) (*anoncreds.CredentialDefinition, *anoncreds.CredentialDefinitionPrivate, error) {
	const op = "issue credential"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	def, err := fetchCredDef(ctx, s, op, credDefID)
	if err != nil {
		return nil, nil, err
	}
	priv, err := fetchCredDefPrivate(ctx, s, op, credDefID)
	if err != nil {
		return nil, nil, err
	}
	return def, priv, nil
}
