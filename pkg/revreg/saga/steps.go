package saga

import (
	"context"
	"fmt"
	"log/slog"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// execute runs the engine operation of a step.
func (s *DefaultRevocationSetup) execute(ctx context.Context, p *profile.Profile, step topic.Step, req topic.Request) (topic.Result, error) {
	switch step {
	case topic.StepRegistryCreate:
		res, err := s.engine.CreateRegistryDefinition(ctx, p, revocation.CreateRegistryInput{
			IssuerID:     req.IssuerID,
			CredDefID:    req.CredDefID,
			RegistryType: req.RegistryType,
			Tag:          req.Tag,
			MaxCredNum:   req.MaxCredNum,
			Options:      req.Options,
		})
		if err != nil {
			return topic.Result{}, err
		}
		return topic.Result{
			RegDefID:       res.RegDefID,
			JobID:          res.JobID,
			State:          res.State,
			FailedToUpload: res.FailedToUpload,
		}, nil

	case topic.StepRegistryStore:
		def, err := s.engine.StoreRegistryDefinition(ctx, p, req.RegDefID)
		if err != nil {
			return topic.Result{}, err
		}
		return topic.Result{RegDefID: def.Key(), JobID: def.JobID, State: string(def.State)}, nil

	case topic.StepListCreate:
		res, err := s.engine.CreateRevocationList(ctx, p, req.RegDefID, req.Options)
		if err != nil {
			return topic.Result{}, err
		}
		return topic.Result{RegDefID: res.RegDefID, JobID: res.JobID, State: res.State}, nil

	case topic.StepListStore:
		list, err := s.engine.StoreRevocationList(ctx, p, req.RegDefID, req.Options)
		if err != nil {
			return topic.Result{}, err
		}
		return topic.Result{RegDefID: list.RegDefID, State: string(list.State)}, nil

	case topic.StepActivation:
		if err := s.engine.SetActiveRegistry(ctx, p, req.RegDefID); err != nil {
			return topic.Result{}, err
		}
		if old := req.Options.String(options.KeyOldRegDefID); req.Options.Bool(options.KeyFullHandling) && old != "" {
			if err := s.engine.MarkRegistryFull(ctx, p, old); err != nil {
				return topic.Result{}, err
			}
		}
		return topic.Result{RegDefID: req.RegDefID, State: StateActive}, nil

	case topic.StepFullHandling:
		return s.findReplacement(ctx, p, req.RegDefID)

	default:
		return topic.Result{}, rrerrors.Unrecoverable("execute saga step", fmt.Errorf("unknown step %q", step))
	}
}

// findReplacement picks the registry that takes over from a full one. If
// the full registry was already swapped out, the current active registry is
// reported with StateActive.
func (s *DefaultRevocationSetup) findReplacement(ctx context.Context, p *profile.Profile, regDefID string) (topic.Result, error) {
	old, err := s.engine.GetRegistryDefinition(ctx, p, regDefID)
	if err != nil {
		return topic.Result{}, err
	}
	if !old.Active {
		current, err := s.engine.GetActiveRegistry(ctx, p, old.CredDefID)
		if err == nil && current.Key() != old.Key() {
			return topic.Result{RegDefID: current.Key(), State: StateActive}, nil
		}
	}
	backup, err := s.engine.FindBackupRegistry(ctx, p, old.CredDefID, old.Key())
	if err != nil {
		return topic.Result{}, err
	}
	return topic.Result{RegDefID: backup.Key(), State: string(backup.State)}, nil
}

// next emits the request that follows a successful step. Follow-up
// requests carry the cleaned option bag, so each step persists under its
// own correlation id.
func (s *DefaultRevocationSetup) next(ctx context.Context, p *profile.Profile, resp topic.Response, logger *slog.Logger) error {
	req := resp.Request
	res := resp.Result
	opts := req.Options.Clean()

	switch resp.Step {
	case topic.StepRegistryCreate:
		if res.FailedToUpload {
			opts = opts.With(options.KeyFailedToUpload, true)
		}
		return s.emit(ctx, p.Name, topic.RegistryStoreRequested, topic.Request{
			IssuerID:     req.IssuerID,
			CredDefID:    req.CredDefID,
			RegDefID:     res.RegDefID,
			RegistryType: req.RegistryType,
			Tag:          req.Tag,
			MaxCredNum:   req.MaxCredNum,
			JobID:        res.JobID,
			Options:      opts,
		})

	case topic.StepRegistryStore:
		switch res.State {
		case string(revocation.RegistryFinished):
			return s.registryStored(ctx, p, req, res.RegDefID, opts)
		case string(revocation.RegistryWait):
			return s.awaitRegistry(ctx, p, topic.Request{
				IssuerID:     req.IssuerID,
				CredDefID:    req.CredDefID,
				RegistryType: req.RegistryType,
				Tag:          req.Tag,
				MaxCredNum:   req.MaxCredNum,
				Options:      opts,
			}, res.RegDefID, logger)
		}
		logger.Warn("registry stored in unexpected state",
			"rev_reg_def_id", res.RegDefID,
			"state", res.State,
		)
		return nil

	case topic.StepListCreate:
		return s.emit(ctx, p.Name, topic.ListStoreRequested, topic.Request{
			IssuerID:     req.IssuerID,
			CredDefID:    req.CredDefID,
			RegDefID:     req.RegDefID,
			RegistryType: req.RegistryType,
			MaxCredNum:   req.MaxCredNum,
			Options:      opts,
		})

	case topic.StepListStore:
		cont := topic.Request{
			IssuerID:     req.IssuerID,
			CredDefID:    req.CredDefID,
			RegDefID:     req.RegDefID,
			RegistryType: req.RegistryType,
			MaxCredNum:   req.MaxCredNum,
			Options:      opts,
		}
		if res.State == string(revocation.ListPending) {
			return s.awaitList(ctx, p, cont, logger)
		}
		return s.listStored(ctx, p, cont, opts, logger)

	case topic.StepActivation:
		logger.Info("registry active",
			"cred_def_id", req.CredDefID,
			"rev_reg_def_id", req.RegDefID,
		)
		if !opts.Bool(options.KeyFullHandling) {
			return nil
		}
		return s.spawnBackup(ctx, p, req, opts)

	case topic.StepFullHandling:
		if res.State == StateActive {
			logger.Info("full registry already swapped out",
				"rev_reg_def_id", req.RegDefID,
				"active_rev_reg_def_id", res.RegDefID,
			)
			return nil
		}
		return s.emit(ctx, p.Name, topic.ActivationRequested, topic.Request{
			IssuerID:     req.IssuerID,
			CredDefID:    req.CredDefID,
			RegDefID:     res.RegDefID,
			RegistryType: req.RegistryType,
			MaxCredNum:   req.MaxCredNum,
			Options: opts.
				With(options.KeyFullHandling, true).
				With(options.KeyOldRegDefID, req.RegDefID),
		})
	}
	return nil
}

// registryStored continues with the revocation list of a FINISHED
// registry. The first registry of a credential definition also gets a
// spare.
func (s *DefaultRevocationSetup) registryStored(ctx context.Context, p *profile.Profile, req topic.Request, regDefID string, opts options.Bag) error {
	if opts.FirstRegistry() {
		if err := s.spawnBackup(ctx, p, req, opts); err != nil {
			return err
		}
	}
	return s.emit(ctx, p.Name, topic.ListCreateRequested, topic.Request{
		IssuerID:     req.IssuerID,
		CredDefID:    req.CredDefID,
		RegDefID:     regDefID,
		RegistryType: req.RegistryType,
		MaxCredNum:   req.MaxCredNum,
		Options:      opts,
	})
}

// listStored activates the first registry once its list is stored. A
// spare is left inactive.
func (s *DefaultRevocationSetup) listStored(ctx context.Context, p *profile.Profile, req topic.Request, opts options.Bag, logger *slog.Logger) error {
	if !opts.FirstRegistry() {
		logger.Info("backup registry ready", "rev_reg_def_id", req.RegDefID)
		return nil
	}
	return s.emit(ctx, p.Name, topic.ActivationRequested, topic.Request{
		IssuerID:     req.IssuerID,
		CredDefID:    req.CredDefID,
		RegDefID:     req.RegDefID,
		RegistryType: req.RegistryType,
		MaxCredNum:   req.MaxCredNum,
		Options:      opts,
	})
}

// spawnBackup starts a sibling saga creating a spare registry like the one
// req is about.
func (s *DefaultRevocationSetup) spawnBackup(ctx context.Context, p *profile.Profile, req topic.Request, opts options.Bag) error {
	logger := s.logger.With("profile", p.Name, "cred_def_id", req.CredDefID)
	logger.Info("requesting backup registry")
	return s.emit(ctx, p.Name, topic.RegistryCreateRequested, topic.Request{
		IssuerID:     req.IssuerID,
		CredDefID:    req.CredDefID,
		RegistryType: req.RegistryType,
		MaxCredNum:   req.MaxCredNum,
		Options:      stripSagaKeys(opts),
	})
}
