package revocation

import (
	"context"
	"fmt"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
)

// Allocation is a credential index reserved in a registry, with what the
// native library needs to bind a credential to it.
type Allocation struct {
	RegDefID   string
	Index      int
	MaxCredNum int
	Definition *RegistryDefinition
	Private    *RegistryPrivateData
	StatusList *anoncreds.StatusList
}

// Last reports whether the allocation took the registry's final index.
func (a *Allocation) Last() bool {
	return a.Index == a.MaxCredNum
}

// RevocationConfig returns the config the native library needs to issue a
// credential at this index.
func (a *Allocation) RevocationConfig() *anoncreds.RevocationConfig {
	return &anoncreds.RevocationConfig{
		RegDefID:      a.RegDefID,
		RegDef:        a.Definition.Definition,
		RegDefPrivate: a.Private.Value,
		StatusList:    a.StatusList,
		RevIndex:      a.Index,
	}
}

// AllocateIndex reserves the next credential index of a registry in one
// short transaction. Indices are handed out as 1, 2, ... maxCredNum and are
// never reused: an index whose credential later fails to issue is skipped.
//
// A list left FAILED by an unconfirmed tails upload is retried here, before
// the transaction, and marked FINISHED inside it. Running past maxCredNum,
// or allocating from a registry that is FULL or DECOMMISSIONED, fails with
// ErrRegistryFull.
func (e *Engine) AllocateIndex(ctx context.Context, p *profile.Profile, regDefID string) (_ *Allocation, err error) {
	const op = "allocate index"
	ctx, end := e.trace(ctx, op, p)
	defer func() {
		e.metrics.RecordIndexAllocation(ctx, p.Name, rrerrors.IsRegistryFull(err))
		end(&err)
	}()

	uploaded, err := e.retryFailedUpload(ctx, p, regDefID)
	if err != nil {
		return nil, err
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	list, _, err := fetchList(ctx, tx, op, regDefID, true)
	if err != nil {
		return nil, err
	}
	def, _, err := fetchDefinition(ctx, tx, op, regDefID, false)
	if err != nil {
		return nil, err
	}
	priv, err := fetchPrivate(ctx, tx, op, regDefID)
	if err != nil {
		return nil, err
	}

	if def.State == RegistryFull || def.State == RegistryDecommissioned {
		return nil, rrerrors.New(rrerrors.KindRegistryFull, op,
			fmt.Errorf("registry %s is %s: %w", regDefID, def.State, rrerrors.ErrRegistryFull))
	}
	if list.State == ListFailed {
		if !uploaded {
			return nil, rrerrors.Transient(op, fmt.Errorf("tails file of %s not yet uploaded", regDefID))
		}
		list.State = ListFinished
	}

	idx := list.NextIndex
	if idx < 1 {
		idx = 1
	}
	if idx > def.MaxCredNum {
		return nil, rrerrors.New(rrerrors.KindRegistryFull, op,
			fmt.Errorf("registry %s issued all %d indices: %w", regDefID, def.MaxCredNum, rrerrors.ErrRegistryFull))
	}

	list.NextIndex = idx + 1
	list.UpdatedAt = e.now()
	if err := putList(ctx, tx, op, list); err != nil {
		return nil, err
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	return &Allocation{
		RegDefID:   regDefID,
		Index:      idx,
		MaxCredNum: def.MaxCredNum,
		Definition: def,
		Private:    priv,
		StatusList: list.StatusList,
	}, nil
}

// retryFailedUpload uploads the tails file of a FAILED list. It reports
// whether an upload succeeded; lists in any other state need none.
func (e *Engine) retryFailedUpload(ctx context.Context, p *profile.Profile, regDefID string) (bool, error) {
	const op = "allocate index"
	s, err := session(ctx, p, op)
	if err != nil {
		return false, err
	}
	defer s.Close()

	list, _, err := fetchList(ctx, s, op, regDefID, false)
	if err != nil {
		return false, err
	}
	if list.State != ListFailed {
		return false, nil
	}
	def, _, err := fetchDefinition(ctx, s, op, regDefID, false)
	if err != nil {
		return false, err
	}

	if _, err := e.tails.Upload(ctx, def.Tails.Hash, def.Tails.LocalPath); err != nil {
		return false, rrerrors.Transient(op, fmt.Errorf("retry tails upload for %s: %w", regDefID, err))
	}
	e.logger.Info("tails upload recovered",
		"profile", p.Name,
		"rev_reg_def_id", regDefID,
		"tails_hash", def.Tails.Hash,
	)
	return true, nil
}

// MarkPendingRevocations queues indices for the next revocation
// publication. Indices already queued are kept once.
func (e *Engine) MarkPendingRevocations(ctx context.Context, p *profile.Profile, regDefID string, indices []int) error {
	const op = "mark pending revocations"
	if len(indices) == 0 {
		return nil
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return err
	}
	defer tx.Close()

	list, _, err := fetchList(ctx, tx, op, regDefID, true)
	if err != nil {
		return err
	}
	list.Pending = mergeIndices(list.Pending, indices)
	list.UpdatedAt = e.now()
	if err := putList(ctx, tx, op, list); err != nil {
		return err
	}
	return commit(ctx, tx, op)
}
