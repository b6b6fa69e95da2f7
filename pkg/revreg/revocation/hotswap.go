package revocation

import (
	"context"
	"fmt"
	"strconv"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// HandleFullRegistry swaps a full registry for its backup: in one
// transaction the backup is promoted and the old registry marked FULL. A
// new backup is then requested on the bus so one spare always exists.
//
// When the registry was already swapped out by a concurrent caller, the
// current active registry is returned and no further backup is requested.
// Without a backup the call fails with ErrNoBackupRegistry.
func (e *Engine) HandleFullRegistry(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (_ *RegistryDefinition, err error) {
	const op = "handle full registry"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	old, _, err := fetchDefinition(ctx, tx, op, regDefID, true)
	if err != nil {
		return nil, err
	}

	if !old.Active {
		current, err := definitionsOf(ctx, tx, op, storage.TagFilter{
			TagCredDefID: old.CredDefID,
			TagActive:    strconv.FormatBool(true),
		}, false)
		if err != nil {
			return nil, err
		}
		if len(current) > 0 {
			if old.State != RegistryFull {
				old.State = RegistryFull
				if err := putDefinition(ctx, tx, op, old); err != nil {
					return nil, err
				}
				if err := commit(ctx, tx, op); err != nil {
					return nil, err
				}
			}
			return current[0], nil
		}
	}

	backup, err := findBackup(ctx, tx, op, old.CredDefID, old.Key())
	if err != nil {
		e.logger.Error("registry full and no backup available",
			"profile", p.Name,
			"cred_def_id", old.CredDefID,
			"rev_reg_def_id", regDefID,
		)
		return nil, err
	}
	promoted, err := setActiveTx(ctx, tx, op, backup.Key())
	if err != nil {
		return nil, err
	}

	// setActiveTx rewrote old with active=false; re-read before marking it.
	old, _, err = fetchDefinition(ctx, tx, op, regDefID, true)
	if err != nil {
		return nil, err
	}
	old.State = RegistryFull
	old.Active = false
	if err := putDefinition(ctx, tx, op, old); err != nil {
		return nil, err
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	e.logger.Info("registry hot-swapped",
		"profile", p.Name,
		"cred_def_id", old.CredDefID,
		"full_rev_reg_def_id", regDefID,
		"rev_reg_def_id", promoted.Key(),
	)
	e.requestBackup(ctx, p, promoted, opts)
	return promoted, nil
}

// DecommissionRegistry replaces every registry of a credential definition:
// a new registry and list are created and activated, and every other
// registry that is not still waiting on the network is marked
// DECOMMISSIONED. A new backup is then requested on the bus.
func (e *Engine) DecommissionRegistry(ctx context.Context, p *profile.Profile, credDefID string, opts options.Bag) (_ *RegistryDefinition, err error) {
	const op = "decommission registry"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	existing, err := e.ListRegistries(ctx, p, credDefID, "")
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, rrerrors.New(rrerrors.KindNotFound, op,
			fmt.Errorf("registries for %s: %w", credDefID, rrerrors.ErrNotFound))
	}
	template := existing[0]
	for _, def := range existing {
		if def.Active {
			template = def
			break
		}
	}

	def, res, err := e.CreateAndRegisterRegistryDefinition(ctx, p, CreateRegistryInput{
		IssuerID:     template.IssuerID,
		CredDefID:    credDefID,
		RegistryType: template.RegistryType,
		MaxCredNum:   template.MaxCredNum,
		Options:      opts,
	})
	if err != nil {
		return nil, err
	}
	if def.State != RegistryFinished {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("replacement registry %s is %s", def.Key(), def.State))
	}

	listOpts := opts.Clone()
	if res.FailedToUpload {
		listOpts = listOpts.With(options.KeyFailedToUpload, true)
	}
	if _, err := e.CreateAndRegisterRevocationList(ctx, p, def.Key(), listOpts); err != nil {
		return nil, err
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	promoted, err := setActiveTx(ctx, tx, op, def.Key())
	if err != nil {
		return nil, err
	}
	all, err := definitionsOf(ctx, tx, op, storage.TagFilter{TagCredDefID: credDefID}, true)
	if err != nil {
		return nil, err
	}
	retired := 0
	for _, other := range all {
		if other.Key() == promoted.Key() || other.State == RegistryWait || other.State == RegistryDecommissioned {
			continue
		}
		other.State = RegistryDecommissioned
		other.Active = false
		if err := putDefinition(ctx, tx, op, other); err != nil {
			return nil, err
		}
		retired++
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	e.logger.Info("registries decommissioned",
		"profile", p.Name,
		"cred_def_id", credDefID,
		"rev_reg_def_id", promoted.Key(),
		"decommissioned", retired,
	)
	e.requestBackup(ctx, p, promoted, opts)
	return promoted, nil
}

// requestBackup asks the setup saga for a new spare registry shaped like
// like.
func (e *Engine) requestBackup(ctx context.Context, p *profile.Profile, like *RegistryDefinition, opts options.Bag) {
	e.publish(ctx, p, topic.RegistryCreateRequested, topic.Request{
		IssuerID:     like.IssuerID,
		CredDefID:    like.CredDefID,
		RegistryType: like.RegistryType,
		MaxCredNum:   like.MaxCredNum,
		Options: opts.Clean().Without(
			options.KeyFirstRegistry,
			options.KeyFullHandling,
			options.KeyOldRegDefID,
			options.KeyFailedToUpload,
		),
	})
}
