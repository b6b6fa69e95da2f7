package revocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/codec"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

// CreateRegistryInput describes a registry to create.
type CreateRegistryInput struct {
	IssuerID     string
	CredDefID    string
	RegistryType string
	Tag          string
	MaxCredNum   int
	Options      options.Bag
}

// StepResult is what a create step hands to the following store step.
type StepResult struct {
	RegDefID string
	JobID    string
	State    string
	// FailedToUpload is set when the tails file could not be confirmed on
	// the tails server.
	FailedToUpload bool
}

func upsert(ctx context.Context, s storage.Session, op string, rec *storage.Record) error {
	err := s.Insert(ctx, rec)
	if errors.Is(err, storage.ErrDuplicate) {
		err = s.Replace(ctx, rec)
	}
	if err != nil {
		return rrerrors.Transient(op, err)
	}
	return nil
}

// CreateRegistryDefinition creates a registry with the native library,
// uploads its tails file, registers it on the network and stages it for
// StoreRegistryDefinition. A tails upload that cannot be confirmed does not
// fail the step; it is reported through StepResult.FailedToUpload.
func (e *Engine) CreateRegistryDefinition(ctx context.Context, p *profile.Profile, in CreateRegistryInput) (_ *StepResult, err error) {
	const op = "create registry definition"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	if in.CredDefID == "" || in.IssuerID == "" {
		return nil, rrerrors.Validation(op, "issuer id and credential definition id are required")
	}
	if in.RegistryType == "" {
		in.RegistryType = e.registryType
	}
	if in.MaxCredNum <= 0 {
		in.MaxCredNum = e.maxCredNum
	}
	if in.Tag == "" {
		in.Tag = uuid.NewString()
	}

	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	credDef, err := fetchCredDef(ctx, s, op, in.CredDefID)
	if err != nil {
		return nil, err
	}

	def, priv, err := e.lib.CreateRegistryDefinition(ctx, anoncreds.CreateRegistryDefinitionInput{
		CredDef:      credDef,
		CredDefID:    in.CredDefID,
		IssuerID:     in.IssuerID,
		Tag:          in.Tag,
		RegistryType: in.RegistryType,
		MaxCredNum:   in.MaxCredNum,
		TailsDir:     e.tails.Dir(),
	})
	if err != nil {
		return nil, wrap(op, fmt.Errorf("native library: %w", err))
	}

	hash := def.Value.TailsHash
	localPath := def.Value.TailsLocation
	publicURI, err := e.tails.PublicURI(hash)
	if err != nil {
		return nil, wrap(op, err)
	}
	def.Value.TailsLocation = publicURI

	failedToUpload := false
	if _, err := e.tails.Upload(ctx, hash, localPath); err != nil {
		e.logger.Warn("tails upload failed, list will retry on first issuance",
			"profile", p.Name,
			"cred_def_id", in.CredDefID,
			"tails_hash", hash,
			"error", err,
		)
		failedToUpload = true
	}

	reg, err := e.registrar.RegisterRevocationRegistryDefinition(ctx, def, in.Options)
	if err != nil {
		return nil, wrap(op, fmt.Errorf("register definition: %w", err))
	}

	record := &RegistryDefinition{
		JobID:        reg.JobID,
		CredDefID:    in.CredDefID,
		IssuerID:     in.IssuerID,
		RegistryType: in.RegistryType,
		Tag:          in.Tag,
		MaxCredNum:   in.MaxCredNum,
		Tails:        TailsInfo{Hash: hash, PublicURI: publicURI, LocalPath: localPath},
		Definition:   def,
		CreatedAt:    e.now(),
	}
	switch reg.State {
	case anoncreds.StateFinished:
		if reg.ID == "" {
			return nil, rrerrors.Unrecoverable(op, errors.New("network finished registration without an id"))
		}
		record.ID = reg.ID
		record.State = RegistryFinished
	case anoncreds.StateWait:
		if record.JobID == "" {
			record.JobID = uuid.NewString()
		}
		record.State = RegistryWait
	default:
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("registration %s: %s", reg.State, reg.Reason))
	}

	value, err := codec.Marshal(&stagedDefinition{
		Definition: record,
		Private:    &RegistryPrivateData{RegDefID: record.Key(), Value: priv},
	})
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	err = upsert(ctx, s, op, &storage.Record{
		Category: CategoryStagedDefinition,
		Key:      record.Key(),
		Value:    value,
		Tags:     map[string]string{TagCredDefID: in.CredDefID},
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("registry definition created",
		"profile", p.Name,
		"cred_def_id", in.CredDefID,
		"rev_reg_def_id", record.Key(),
		"state", record.State,
	)
	return &StepResult{
		RegDefID:       record.Key(),
		JobID:          record.JobID,
		State:          string(record.State),
		FailedToUpload: failedToUpload,
	}, nil
}

// StoreRegistryDefinition persists a staged registry definition and its
// private data in one transaction, inactive. Storing an already stored
// registry returns it unchanged.
func (e *Engine) StoreRegistryDefinition(ctx context.Context, p *profile.Profile, regDefID string) (_ *RegistryDefinition, err error) {
	const op = "store registry definition"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	if def, _, err := fetchDefinition(ctx, tx, op, regDefID, false); err == nil {
		return def, nil
	} else if !rrerrors.IsNotFound(err) {
		return nil, err
	}

	item, err := tx.Fetch(ctx, CategoryStagedDefinition, regDefID, true)
	if err != nil {
		return nil, notFound(op, "staged registry definition", regDefID, err)
	}
	var staged stagedDefinition
	if err := codec.Unmarshal(item.Value, &staged); err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode staged registry definition: %w", err))
	}

	def := staged.Definition
	def.Active = false
	defRec, err := encodeDefinition(def)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	privRec, err := encodePrivate(staged.Private)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := tx.Insert(ctx, defRec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Insert(ctx, privRec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Remove(ctx, CategoryStagedDefinition, regDefID); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	if def.State == RegistryFinished {
		e.publish(ctx, p, topic.RegistryDefinitionFinished, topic.RegistryFinishedPayload{
			RegDefID:  def.ID,
			JobID:     def.JobID,
			CredDefID: def.CredDefID,
			State:     string(def.State),
		})
	}
	return def, nil
}

// CreateAndRegisterRegistryDefinition creates and stores a registry in one
// call.
func (e *Engine) CreateAndRegisterRegistryDefinition(ctx context.Context, p *profile.Profile, in CreateRegistryInput) (*RegistryDefinition, *StepResult, error) {
	res, err := e.CreateRegistryDefinition(ctx, p, in)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.StoreRegistryDefinition(ctx, p, res.RegDefID)
	if err != nil {
		return nil, nil, err
	}
	return def, res, nil
}

// CreateRevocationList creates and registers the initial status list of a
// finished registry and stages it for StoreRevocationList. Option
// failedToUpload forces the FAILED state.
func (e *Engine) CreateRevocationList(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (_ *StepResult, err error) {
	const op = "create revocation list"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	s, err := session(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if l, _, err := fetchList(ctx, s, op, regDefID, false); err == nil {
		return &StepResult{RegDefID: regDefID, State: string(l.State)}, nil
	}

	def, _, err := fetchDefinition(ctx, s, op, regDefID, false)
	if err != nil {
		return nil, err
	}
	if def.State != RegistryFinished {
		return nil, rrerrors.Validation(op, "registry %s is %s, not %s", regDefID, def.State, RegistryFinished)
	}
	priv, err := fetchPrivate(ctx, s, op, regDefID)
	if err != nil {
		return nil, err
	}
	credDef, err := fetchCredDef(ctx, s, op, def.CredDefID)
	if err != nil {
		return nil, err
	}

	list, err := e.lib.CreateStatusList(ctx, credDef, regDefID, def.Definition, priv.Value, def.IssuerID)
	if err != nil {
		return nil, wrap(op, fmt.Errorf("native library: %w", err))
	}
	reg, err := e.registrar.RegisterRevocationStatusList(ctx, list, opts)
	if err != nil {
		return nil, wrap(op, fmt.Errorf("register status list: %w", err))
	}

	state := ListFinished
	switch reg.State {
	case anoncreds.StateFinished:
	case anoncreds.StateWait:
		state = ListPending
	default:
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("registration %s: %s", reg.State, reg.Reason))
	}
	failedToUpload := opts.Bool(options.KeyFailedToUpload)
	if failedToUpload {
		state = ListFailed
	}

	rec, err := encodeList(CategoryStagedList, &RevocationList{
		RegDefID:   regDefID,
		StatusList: list,
		NextIndex:  1,
		State:      state,
		UpdatedAt:  e.now(),
	})
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := upsert(ctx, s, op, rec); err != nil {
		return nil, err
	}
	return &StepResult{RegDefID: regDefID, JobID: reg.JobID, State: string(state), FailedToUpload: failedToUpload}, nil
}

// StoreRevocationList persists a staged status list with next index 1 and
// nothing pending. Storing an already stored list returns it unchanged.
func (e *Engine) StoreRevocationList(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (_ *RevocationList, err error) {
	const op = "store revocation list"
	ctx, end := e.trace(ctx, op, p)
	defer func() { end(&err) }()

	tx, err := transaction(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	if l, _, err := fetchList(ctx, tx, op, regDefID, false); err == nil {
		return l, nil
	} else if !rrerrors.IsNotFound(err) {
		return nil, err
	}

	item, err := tx.Fetch(ctx, CategoryStagedList, regDefID, true)
	if err != nil {
		return nil, notFound(op, "staged revocation list", regDefID, err)
	}
	list, err := decodeList(item)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, fmt.Errorf("decode staged revocation list: %w", err))
	}
	list.NextIndex = 1
	list.Pending = nil
	list.UpdatedAt = e.now()
	if opts.Bool(options.KeyFailedToUpload) {
		list.State = ListFailed
	}

	rec, err := encodeList(CategoryRevocationList, list)
	if err != nil {
		return nil, rrerrors.Unrecoverable(op, err)
	}
	if err := tx.Insert(ctx, rec); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := tx.Remove(ctx, CategoryStagedList, regDefID); err != nil {
		return nil, rrerrors.Transient(op, err)
	}
	if err := commit(ctx, tx, op); err != nil {
		return nil, err
	}

	if list.State != ListPending {
		e.publish(ctx, p, topic.RevocationListFinished, topic.ListFinishedPayload{
			RegDefID: regDefID,
			State:    string(list.State),
		})
	}
	return list, nil
}

// CreateAndRegisterRevocationList creates and stores a status list in one
// call.
func (e *Engine) CreateAndRegisterRevocationList(ctx context.Context, p *profile.Profile, regDefID string, opts options.Bag) (*RevocationList, error) {
	if _, err := e.CreateRevocationList(ctx, p, regDefID, opts); err != nil {
		return nil, err
	}
	return e.StoreRevocationList(ctx, p, regDefID, opts)
}
