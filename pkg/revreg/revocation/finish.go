package revocation

import (
	"context"
	"fmt"

	"github.com/randalmurphal/revreg/pkg/revreg/codec"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// FinishRegistryDefinition completes a registration the network answered
// with "wait". The WAIT definition stored under jobID moves to regDefID as
// FINISHED together with its private data, and RegistryDefinitionFinished
// is published.
//
// A definition that is still staged is finished in place;
// StoreRegistryDefinition then stores it FINISHED and publishes. Finishing
// a registry already stored under regDefID returns it unchanged and publishes
// the notification again, so a caller can repeat a finish it is unsure was
// delivered.
func (e *Engine) FinishRegistryDefinition(ctx context.Context, p *profile.Profile, jobID, regDefID string) (_ *RegistryDefinition, err error) {
	const op = "finish registry definition"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	if jobID == "" || regDefID == "" {
		return nil, rrerrors.Validation(op, "job id and registry definition id are required")
	}

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	if def, _, err := fetchDefinition(ctx, tx, op, regDefID, false); err == nil {
		e.publishRegistryFinished(ctx, p, def)
		return def, nil
	} else if !rrerrors.IsNotFound(err) {
		return nil, err
	}

	def, _, err := fetchDefinition(ctx, tx, op, jobID, true)
	if rrerrors.IsNotFound(err) {
		return e.finishStagedDefinition(ctx, p, tx, jobID, regDefID)
	}
	if err != nil {
		return nil, err
	}
	if def.State != RegistryWait {
		return nil, rrerrors.Validation(op, "registry %s is %s, not %s", jobID, def.State, RegistryWait)
	}
	priv, err := fetchPrivate(ctx, tx, op, jobID)
	if err != nil {
		return nil, err
	}

	def.ID = regDefID
	def.State = RegistryFinished
	priv.RegDefID = regDefID

	defRec, err := encodeDefinition(def)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	privRec, err := encodePrivate(priv)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := tx.Insert(ctx, defRec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Insert(ctx, privRec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Remove(ctx, CategoryRegistryDefinition, jobID); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Remove(ctx, CategoryRegistryPrivate, jobID); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	e.logger.Info("registry definition finished",
		"profile", p.Name,
		"cred_def_id", def.CredDefID,
		"job_id", jobID,
		"rev_reg_def_id", regDefID,
	)
	e.publishRegistryFinished(ctx, p, def)
	return def, nil
}

func (e *Engine) publishRegistryFinished(ctx context.Context, p *profile.Profile, def *RegistryDefinition) {
	if def.State != RegistryFinished {
		return
	}
	e.publish(ctx, p, topic.RegistryDefinitionFinished, topic.RegistryFinishedPayload{
		RegDefID:  def.ID,
		JobID:     def.JobID,
		CredDefID: def.CredDefID,
		State:     string(def.State),
	})
}

func (e *Engine) finishStagedDefinition(ctx context.Context, p *profile.Profile, tx storage.Session, jobID, regDefID string) (*RegistryDefinition, error) {
	const op = "finish registry definition"
	item, err := tx.Fetch(ctx, CategoryStagedDefinition, jobID, true)
	if err != nil {
		return nil, notFound(op, "registry definition", jobID, err)
	}
	var staged stagedDefinition
	if err := codec.Unmarshal(item.Value, &staged); err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode staged registry definition: %w", err))
	}
	if staged.Definition.State != RegistryWait {
		return nil, rrerrors.Validation(op, "staged registry %s is %s, not %s", jobID, staged.Definition.State, RegistryWait)
	}

	staged.Definition.ID = regDefID
	staged.Definition.State = RegistryFinished
	staged.Private.RegDefID = regDefID
	item.Value, err = codec.Marshal(&staged)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := tx.Replace(ctx, item); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	e.logger.Info("staged registry definition finished",
		"profile", p.Name,
		"job_id", jobID,
		"rev_reg_def_id", regDefID,
	)
	return staged.Definition, nil
}

// FinishRevocationList completes a status list registration the network
// answered with "wait": a PENDING list becomes FINISHED and
// RevocationListFinished is published. A list that is still staged is
// finished in place for StoreRevocationList. A stored list in any other
// state is returned unchanged and the notification is published again.
func (e *Engine) FinishRevocationList(ctx context.Context, p *profile.Profile, regDefID string) (_ *RevocationList, err error) {
	const op = "finish revocation list"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	category := CategoryRevocationList
	l, _, err := fetchList(ctx, tx, op, regDefID, true)
	if rrerrors.IsNotFound(err) {
		item, ferr := tx.Fetch(ctx, CategoryStagedList, regDefID, true)
		if ferr != nil {
			return nil, notFound(op, "revocation list", regDefID, ferr)
		}
		if l, err = decodeList(item); err != nil {
			return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode staged revocation list: %w", err))
		}
		category = CategoryStagedList
	} else if err != nil {
		return nil, err
	}
	if l.State != ListPending {
		if category == CategoryRevocationList {
			e.publishListFinished(ctx, p, l)
		}
		return l, nil
	}

	l.State = ListFinished
	l.UpdatedAt = e.now()
	rec, err := encodeList(category, l)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := tx.Replace(ctx, rec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	if category == CategoryRevocationList {
		e.publishListFinished(ctx, p, l)
	}
	return l, nil
}

func (e *Engine) publishListFinished(ctx context.Context, p *profile.Profile, l *RevocationList) {
	e.publish(ctx, p, topic.RevocationListFinished, topic.ListFinishedPayload{
		RegDefID: l.RegDefID,
		State:    string(l.State),
	})
}
