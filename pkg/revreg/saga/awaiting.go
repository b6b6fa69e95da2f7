package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/revreg/pkg/revreg/event"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// Categories holding the requests that continue a saga once the network
// finishes a registration it answered with "wait". Registries are keyed by
// job id, lists by registry id.
const (
	CategoryAwaitingRegistry = "saga_awaiting_registry"
	CategoryAwaitingList     = "saga_awaiting_list"
)

// suspend stores the request that continues the saga once key finishes.
func suspend(ctx context.Context, p *profile.Profile, category, key string, cont topic.Request) error {
	value, err := json.Marshal(cont)
	if err != nil {
		return fmt.Errorf("encode saga continuation: %w", err)
	}
	tx, err := p.Store.Transaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	rec := &storage.Record{
		Category: category,
		Key:      key,
		Value:    value,
		Tags:     map[string]string{revocation.TagCredDefID: cont.CredDefID},
	}
	err = tx.Insert(ctx, rec)
	if errors.Is(err, storage.ErrDuplicate) {
		err = tx.Replace(ctx, rec)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// claim removes and returns the continuation stored under key. It returns
// nil when there is none, including when another handler claimed it first.
func claim(ctx context.Context, p *profile.Profile, category, key string) (*topic.Request, error) {
	tx, err := p.Store.Transaction(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	item, err := tx.Fetch(ctx, category, key, true)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Remove(ctx, category, key); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	var cont topic.Request
	if err := json.Unmarshal(item.Value, &cont); err != nil {
		return nil, fmt.Errorf("decode saga continuation %s: %w", key, err)
	}
	return &cont, nil
}

// awaitRegistry suspends the saga of a registry stored as WAIT until
// FinishRegistryDefinition moves it to FINISHED.
func (s *DefaultRevocationSetup) awaitRegistry(ctx context.Context, p *profile.Profile, req topic.Request, jobID string, logger *slog.Logger) error {
	cont := req
	cont.RegDefID = ""
	cont.JobID = jobID
	if err := suspend(ctx, p, CategoryAwaitingRegistry, jobID, cont); err != nil {
		return err
	}
	logger.Info("registry waiting on network registration", "job_id", jobID)

	// The network may have finished it while the continuation was stored.
	defs, err := s.engine.ListRegistries(ctx, p, req.CredDefID, revocation.RegistryFinished)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.JobID == jobID {
			return s.resumeRegistry(ctx, p, jobID, def.Key())
		}
	}
	return nil
}

// resumeRegistry continues a suspended saga with its finished registry.
func (s *DefaultRevocationSetup) resumeRegistry(ctx context.Context, p *profile.Profile, jobID, regDefID string) error {
	cont, err := claim(ctx, p, CategoryAwaitingRegistry, jobID)
	if err != nil || cont == nil {
		return err
	}
	s.logger.Info("registry registration finished, resuming",
		"profile", p.Name,
		"job_id", jobID,
		"rev_reg_def_id", regDefID,
	)
	return s.registryStored(ctx, p, *cont, regDefID, cont.Options)
}

// awaitList suspends the saga of a list stored as PENDING until
// FinishRevocationList moves it to FINISHED.
func (s *DefaultRevocationSetup) awaitList(ctx context.Context, p *profile.Profile, req topic.Request, logger *slog.Logger) error {
	if err := suspend(ctx, p, CategoryAwaitingList, req.RegDefID, req); err != nil {
		return err
	}
	logger.Info("revocation list waiting on network registration", "rev_reg_def_id", req.RegDefID)

	l, err := s.engine.GetRevocationList(ctx, p, req.RegDefID)
	if err != nil {
		return err
	}
	if l.State == revocation.ListPending {
		return nil
	}
	return s.resumeList(ctx, p, req.RegDefID)
}

// resumeList continues a suspended saga once its list finished.
func (s *DefaultRevocationSetup) resumeList(ctx context.Context, p *profile.Profile, regDefID string) error {
	cont, err := claim(ctx, p, CategoryAwaitingList, regDefID)
	if err != nil || cont == nil {
		return err
	}
	logger := s.logger.With("profile", p.Name, "cred_def_id", cont.CredDefID)
	logger.Info("revocation list registration finished, resuming", "rev_reg_def_id", regDefID)
	return s.listStored(ctx, p, *cont, cont.Options, logger)
}

// onRegistryFinished resumes the saga waiting on a registration job.
// Registries stored FINISHED straight away have no waiting saga.
func (s *DefaultRevocationSetup) onRegistryFinished(ctx context.Context, scope string, payload topic.RegistryFinishedPayload, _ event.Event) error {
	if payload.JobID == "" || payload.State != string(revocation.RegistryFinished) {
		return nil
	}
	p, err := s.profiles.Profile(scope)
	if err != nil {
		return err
	}
	return s.resumeRegistry(ctx, p, payload.JobID, payload.RegDefID)
}

// onListFinished resumes the saga waiting on a status list registration.
func (s *DefaultRevocationSetup) onListFinished(ctx context.Context, scope string, payload topic.ListFinishedPayload, _ event.Event) error {
	if payload.State == string(revocation.ListPending) {
		return nil
	}
	p, err := s.profiles.Profile(scope)
	if err != nil {
		return err
	}
	return s.resumeList(ctx, p, payload.RegDefID)
}
