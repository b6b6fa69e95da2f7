package revocation

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
)

// RevocationResult reports one revocation pass.
type RevocationResult struct {
	RegDefID string
	Previous *anoncreds.StatusList
	Current  *anoncreds.StatusList
	// Revoked are the indices applied to Current.
	Revoked []int
	// Failed are indices rejected as out of range, never issued or already
	// revoked. They are dropped from the pending set.
	Failed []int
	// Skipped are valid indices outside the limit. They stay pending.
	Skipped []int
}

// RevokePendingCredentials applies the pending indices of a registry, plus
// additional, to its status list.
//
// Every candidate is validated against [1, maxCredNum], against the next
// unissued index and against the current list; rejects end up in Failed
// without aborting the batch. With a non-nil limit, only candidates in limit
// are revoked now and the rest stay pending.
//
// The updated list is computed outside any transaction, then written only if
// the stored list is still the one the computation started from. On a
// concurrent change the whole pass is redone, up to the configured number of
// attempts, before failing with ErrRepeatedConflict.
func (e *Engine) RevokePendingCredentials(ctx context.Context, p *profile.Profile, regDefID string, additional, limit []int) (_ *RevocationResult, err error) {
	const op = "revoke pending credentials"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	for attempt := 1; attempt <= e.maxConflicts; attempt++ {
		res, err := e.revokeOnce(ctx, p, op, regDefID, additional, limit)
		if err == nil {
			e.metrics.RecordRevocations(ctx, p.Name, len(res.Revoked), len(res.Failed))
			return res, nil
		}
		if rrerrors.KindOf(err) != rrerrors.KindConflict {
			return nil, err
		}
		e.logger.Debug("revocation list changed concurrently, retrying",
			"profile", p.Name,
			"rev_reg_def_id", regDefID,
			"attempt", attempt,
		)
	}
	return nil, rrerrors.New(rrerrors.KindConflict, op,
		fmt.Errorf("registry %s after %d attempts: %w", regDefID, e.maxConflicts, rrerrors.ErrRepeatedConflict))
}

func (e *Engine) revokeOnce(ctx context.Context, p *profile.Profile, op, regDefID string, additional, limit []int) (*RevocationResult, error) {
	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	list, snapshot, err := fetchList(ctx, s, op, regDefID, false)
	if err != nil {
		s.Close()
		return nil, err
	}
	def, _, err := fetchDefinition(ctx, s, op, regDefID, false)
	if err != nil {
		s.Close()
		return nil, err
	}
	priv, err := fetchPrivate(ctx, s, op, regDefID)
	if err != nil {
		s.Close()
		return nil, err
	}
	credDef, err := fetchCredDef(ctx, s, op, def.CredDefID)
	s.Close()
	if err != nil {
		return nil, err
	}

	res := &RevocationResult{RegDefID: regDefID, Previous: list.StatusList}
	var toRevoke []int
	for _, idx := range mergeIndices(list.Pending, additional) {
		switch {
		case idx < 1 || idx > def.MaxCredNum:
			res.Failed = append(res.Failed, idx)
		case idx >= list.NextIndex:
			res.Failed = append(res.Failed, idx)
		case list.StatusList.IsRevoked(idx):
			res.Failed = append(res.Failed, idx)
		case limit != nil && !slices.Contains(limit, idx):
			res.Skipped = append(res.Skipped, idx)
		default:
			toRevoke = append(toRevoke, idx)
		}
	}
	res.Revoked = toRevoke
	if res.Revoked == nil {
		res.Revoked = []int{}
	}

	current := list.StatusList
	if len(toRevoke) > 0 {
		current, err = e.lib.UpdateStatusList(ctx, credDef, regDefID, def.Definition, priv.Value,
			list.StatusList, toRevoke, e.now().Unix())
		if err != nil {
			return nil, wrap(op, fmt.Errorf("native library: %w", err))
		}
	}
	res.Current = current

	if len(toRevoke) == 0 && slices.Equal(list.Pending, res.Skipped) {
		return res, nil
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	fresh, err := tx.Fetch(ctx, CategoryRevocationList, regDefID, true)
	if err != nil {
		return nil, notFound(op, "revocation list", regDefID, err)
	}
	if !bytes.Equal(fresh.Value, snapshot.Value) {
		return nil, rrerrors.New(rrerrors.KindConflict, op, fmt.Errorf("revocation list %s changed", regDefID))
	}

	list.StatusList = current
	list.Pending = res.Skipped
	list.UpdatedAt = e.now()
	if err := putList(ctx, tx, op, list); err != nil {
		return nil, err
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}
	return res, nil
}

// PublishRevocations publishes the list produced by a revocation pass on
// the network.
func (e *Engine) PublishRevocations(ctx context.Context, p *profile.Profile, res *RevocationResult, opts options.Bag) (*anoncreds.RegistrationResult, error) {
	const op = "publish revocations"
	if len(res.Revoked) == 0 {
		return &anoncreds.RegistrationResult{State: anoncreds.StateFinished, ID: res.RegDefID}, nil
	}
	reg, err := e.registrar.UpdateRevocationStatusList(ctx, res.Previous, res.Current, res.Revoked, opts)
	if err != nil {
		return nil, wrap(op, fmt.Errorf("update status list: %w", err))
	}
	if reg.State == anoncreds.StateFailed {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("status list update failed: %s", reg.Reason))
	}
	return reg, nil
}

// RevokeCredentials revokes indices and publishes the result.
func (e *Engine) RevokeCredentials(ctx context.Context, p *profile.Profile, regDefID string, indices []int, opts options.Bag) (*RevocationResult, error) {
	res, err := e.RevokePendingCredentials(ctx, p, regDefID, indices, nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.PublishRevocations(ctx, p, res, opts); err != nil {
		return res, err
	}
	return res, nil
}
