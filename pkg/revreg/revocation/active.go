package revocation

import (
	"context"
	"fmt"
	"strconv"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

// GetActiveRegistry returns the active registry of a credential definition.
func (e *Engine) GetActiveRegistry(ctx context.Context, p *profile.Profile, credDefID string) (*RegistryDefinition, error) {
	const op = "get active registry"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	active, err := definitionsOf(ctx, s, op, storage.TagFilter{
		TagCredDefID: credDefID,
		TagActive:    strconv.FormatBool(true),
	}, false)
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, rrerrors.New(rrerrors.KindNotFound, op,
			fmt.Errorf("active registry for %s: %w", credDefID, rrerrors.ErrNotFound))
	case 1:
		return active[0], nil
	default:
		e.logger.Error("more than one active registry",
			"profile", p.Name,
			"cred_def_id", credDefID,
			"count", len(active),
		)
		return active[0], nil
	}
}

// ListRegistries returns the registries of a credential definition ordered
// by id. A non-empty state narrows the result.
func (e *Engine) ListRegistries(ctx context.Context, p *profile.Profile, credDefID string, state RegistryState) ([]*RegistryDefinition, error) {
	return ReadRegistries(ctx, p, credDefID, state)
}

// ReadRegistries is ListRegistries without an engine, for read-only tools.
// An empty credDefID lists every credential definition.
func ReadRegistries(ctx context.Context, p *profile.Profile, credDefID string, state RegistryState) ([]*RegistryDefinition, error) {
	const op = "list registries"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	filter := storage.TagFilter{}
	if credDefID != "" {
		filter[TagCredDefID] = credDefID
	}
	if state != "" {
		filter[TagState] = string(state)
	}
	return definitionsOf(ctx, s, op, filter, false)
}

// SetActiveRegistry makes regDefID the single active registry of its
// credential definition: every other active registry is demoted and the
// target promoted in one transaction, and the invariant is checked again
// before commit.
func (e *Engine) SetActiveRegistry(ctx context.Context, p *profile.Profile, regDefID string) (err error) {
	const op = "set active registry"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return err
	}
	defer tx.Close()

	if _, err := setActiveTx(ctx, tx, op, regDefID); err != nil {
		return err
	}
	return commit(ctx, tx, op)
}

// setActiveTx demotes every active registry of the target's credential
// definition, promotes the target and verifies exactly one remains active.
func setActiveTx(ctx context.Context, tx storage.Session, op, regDefID string) (*RegistryDefinition, error) {
	target, _, err := fetchDefinition(ctx, tx, op, regDefID, true)
	if err != nil {
		return nil, err
	}
	if target.State != RegistryFinished {
		return nil, rrerrors.Validation(op, "registry %s is %s and cannot be activated", regDefID, target.State)
	}

	activeFilter := storage.TagFilter{
		TagCredDefID: target.CredDefID,
		TagActive:    strconv.FormatBool(true),
	}
	active, err := definitionsOf(ctx, tx, op, activeFilter, true)
	if err != nil {
		return nil, err
	}
	for _, def := range active {
		if def.Key() == target.Key() {
			continue
		}
		def.Active = false
		if err := putDefinition(ctx, tx, op, def); err != nil {
			return nil, err
		}
	}

	target.Active = true
	if err := putDefinition(ctx, tx, op, target); err != nil {
		return nil, err
	}

	after, err := definitionsOf(ctx, tx, op, activeFilter, false)
	if err != nil {
		return nil, err
	}
	if len(after) != 1 || after[0].Key() != target.Key() {
		return nil, rrerrors.Unrecoverable(op,
			fmt.Errorf("%d active registries for %s after promoting %s", len(after), target.CredDefID, regDefID))
	}
	return target, nil
}

// FindBackupRegistry returns a finished, inactive registry of credDefID with
// a usable revocation list, other than exclude.
func (e *Engine) FindBackupRegistry(ctx context.Context, p *profile.Profile, credDefID, exclude string) (*RegistryDefinition, error) {
	const op = "find backup registry"
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return findBackup(ctx, s, op, credDefID, exclude)
}

func findBackup(ctx context.Context, s storage.Session, op, credDefID, exclude string) (*RegistryDefinition, error) {
	candidates, err := definitionsOf(ctx, s, op, storage.TagFilter{
		TagCredDefID: credDefID,
		TagState:     string(RegistryFinished),
		TagActive:    strconv.FormatBool(false),
	}, false)
	if err != nil {
		return nil, err
	}
	for _, def := range candidates {
		if def.Key() == exclude {
			continue
		}
		l, _, err := fetchList(ctx, s, op, def.Key(), false)
		if err != nil {
			if rrerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if l.State == ListPending {
			continue
		}
		return def, nil
	}
	return nil, rrerrors.New(rrerrors.KindUnrecoverable, op,
		fmt.Errorf("credential definition %s: %w", credDefID, rrerrors.ErrNoBackupRegistry))
}

// MarkRegistryFull marks a registry FULL and inactive. Marking a FULL
// registry again is a no-op.
func (e *Engine) MarkRegistryFull(ctx context.Context, p *profile.Profile, regDefID string) error {
	const op = "mark registry full"
	tx, err := transaction(ctx, p, op)
	if err != nil {
		return err
	}
	defer tx.Close()

	def, _, err := fetchDefinition(ctx, tx, op, regDefID, true)
	if err != nil {
		return err
	}
	if def.State == RegistryFull && !def.Active {
		return nil
	}
	def.State = RegistryFull
	def.Active = false
	if err := putDefinition(ctx, tx, op, def); err != nil {
		return err
	}
	return commit(ctx, tx, op)
}
