// Package anoncredstest provides deterministic fakes of the native library
// and the identity network for tests.
package anoncredstest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
)

// Method names accepted by Fail and Calls.
const (
	MethodCreateRegistryDefinition = "CreateRegistryDefinition"
	MethodCreateStatusList         = "CreateStatusList"
	MethodUpdateStatusList         = "UpdateStatusList"
	MethodCreateCredential         = "CreateCredential"
	MethodRegisterDefinition       = "RegisterRevocationRegistryDefinition"
	MethodRegisterStatusList       = "RegisterRevocationStatusList"
	MethodUpdateRegistration       = "UpdateRevocationStatusList"
)

type fault struct {
	err   error
	times int // remaining; negative means forever
}

// faults injects errors and counts calls.
type faults struct {
	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

// Fail makes the next times calls of method return err. A negative times
// fails forever.
func (f *faults) Fail(method string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faults == nil {
		f.faults = make(map[string]*fault)
	}
	f.faults[method] = &fault{err: err, times: times}
}

// Calls returns how often method was invoked.
func (f *faults) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faults) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++

	flt, ok := f.faults[method]
	if !ok || flt.times == 0 {
		return nil
	}
	if flt.times > 0 {
		flt.times--
	}
	return flt.err
}

// Library is a fake anoncreds.Library. Tails files are real files whose
// names and hashes are SHA-256 hex digests of their content.
type Library struct {
	faults

	// BeforeUpdate, when set, runs at the start of every UpdateStatusList
	// call. Tests use it to line up concurrent revocations.
	BeforeUpdate func()
}

var _ anoncreds.Library = (*Library)(nil)

// NewLibrary creates a fake library.
func NewLibrary() *Library {
	return &Library{}
}

// CreateRegistryDefinition implements anoncreds.Library.
func (l *Library) CreateRegistryDefinition(_ context.Context, in anoncreds.CreateRegistryDefinitionInput) (*anoncreds.RevocationRegistryDefinition, *anoncreds.RevocationRegistryDefinitionPrivate, error) {
	if err := l.enter(MethodCreateRegistryDefinition); err != nil {
		return nil, nil, err
	}
	if in.MaxCredNum <= 0 {
		return nil, nil, fmt.Errorf("maxCredNum must be positive, got %d", in.MaxCredNum)
	}

	content := fmt.Sprintf("tails|%s|%s|%s|%d", in.IssuerID, in.CredDefID, in.Tag, in.MaxCredNum)
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(in.TailsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create tails dir: %w", err)
	}
	location := filepath.Join(in.TailsDir, hash)
	if err := os.WriteFile(location, []byte(content), 0o644); err != nil {
		return nil, nil, fmt.Errorf("write tails file: %w", err)
	}

	regType := in.RegistryType
	if regType == "" {
		regType = anoncreds.DefaultRegistryType
	}

	def := &anoncreds.RevocationRegistryDefinition{
		IssuerID:     in.IssuerID,
		RevocDefType: regType,
		CredDefID:    in.CredDefID,
		Tag:          in.Tag,
		Value: anoncreds.RevocationRegistryDefinitionValue{
			MaxCredNum:    in.MaxCredNum,
			TailsHash:     hash,
			TailsLocation: location,
			PublicKeys:    json.RawMessage(`{"accumKey":{"z":"1"}}`),
		},
	}
	priv := &anoncreds.RevocationRegistryDefinitionPrivate{
		Value: json.RawMessage(fmt.Sprintf(`{"gamma":%q}`, in.Tag)),
	}
	return def, priv, nil
}

// CreateStatusList implements anoncreds.Library.
func (l *Library) CreateStatusList(_ context.Context, _ *anoncreds.CredentialDefinition, regDefID string, regDef *anoncreds.RevocationRegistryDefinition, _ *anoncreds.RevocationRegistryDefinitionPrivate, issuerID string) (*anoncreds.StatusList, error) {
	if err := l.enter(MethodCreateStatusList); err != nil {
		return nil, err
	}
	return &anoncreds.StatusList{
		IssuerID:           issuerID,
		RevRegDefID:        regDefID,
		RevocationList:     make([]int, regDef.Value.MaxCredNum),
		CurrentAccumulator: "acc-0",
	}, nil
}

// UpdateStatusList implements anoncreds.Library.
func (l *Library) UpdateStatusList(_ context.Context, _ *anoncreds.CredentialDefinition, _ string, _ *anoncreds.RevocationRegistryDefinition, _ *anoncreds.RevocationRegistryDefinitionPrivate, current *anoncreds.StatusList, revoked []int, timestamp int64) (*anoncreds.StatusList, error) {
	if l.BeforeUpdate != nil {
		l.BeforeUpdate()
	}
	if err := l.enter(MethodUpdateStatusList); err != nil {
		return nil, err
	}

	next := current.Clone()
	for _, idx := range revoked {
		if idx < 1 || idx > next.Size() {
			return nil, fmt.Errorf("index %d outside status list", idx)
		}
		next.RevocationList[idx-1] = 1
	}
	n := 0
	for _, bit := range next.RevocationList {
		n += bit
	}
	next.CurrentAccumulator = fmt.Sprintf("acc-%d", n)
	next.Timestamp = timestamp
	return next, nil
}

// CreateCredential implements anoncreds.Library.
func (l *Library) CreateCredential(_ context.Context, in anoncreds.CreateCredentialInput) (*anoncreds.Credential, error) {
	if err := l.enter(MethodCreateCredential); err != nil {
		return nil, err
	}

	body := map[string]any{
		"credDefId": in.CredDef.ID,
		"values":    in.Values,
	}
	cred := &anoncreds.Credential{}
	if rev := in.Revocation; rev != nil {
		body["revRegId"] = rev.RegDefID
		body["revIdx"] = rev.RevIndex
		cred.RevRegID = rev.RegDefID
		cred.CredRevID = rev.RevIndex
	}
	value, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	cred.Value = value
	return cred, nil
}

// Registrar is a fake anoncreds.Registrar that assigns ledger-style ids.
type Registrar struct {
	faults

	mu sync.Mutex
	// DefinitionState overrides the state reported for definitions.
	DefinitionState string
	// ListState overrides the state reported for status lists.
	ListState   string
	definitions []*anoncreds.RevocationRegistryDefinition
	lists       []*anoncreds.StatusList
	updates     [][]int
}

var _ anoncreds.Registrar = (*Registrar)(nil)

// NewRegistrar creates a fake registrar.
func NewRegistrar() *Registrar {
	return &Registrar{}
}

// SetStates overrides the reported states while registrations may be in
// flight. An empty state reports finished.
func (r *Registrar) SetStates(definition, list string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DefinitionState = definition
	r.ListState = list
}

// RegistryDefinitionID returns the id the registrar assigns to def.
func RegistryDefinitionID(def *anoncreds.RevocationRegistryDefinition) string {
	return fmt.Sprintf("%s:4:%s:%s:%s", def.IssuerID, def.CredDefID, def.RevocDefType, def.Tag)
}

// RegisterRevocationRegistryDefinition implements anoncreds.Registrar.
func (r *Registrar) RegisterRevocationRegistryDefinition(_ context.Context, def *anoncreds.RevocationRegistryDefinition, _ options.Bag) (*anoncreds.RegistrationResult, error) {
	if err := r.enter(MethodRegisterDefinition); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions = append(r.definitions, def)

	state := r.DefinitionState
	if state == "" {
		state = anoncreds.StateFinished
	}
	id := RegistryDefinitionID(def)
	return &anoncreds.RegistrationResult{State: state, ID: id, JobID: "job-" + id}, nil
}

// RegisterRevocationStatusList implements anoncreds.Registrar.
func (r *Registrar) RegisterRevocationStatusList(_ context.Context, list *anoncreds.StatusList, _ options.Bag) (*anoncreds.RegistrationResult, error) {
	if err := r.enter(MethodRegisterStatusList); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, list.Clone())
	state := r.ListState
	if state == "" {
		state = anoncreds.StateFinished
	}
	return &anoncreds.RegistrationResult{State: state, ID: list.RevRegDefID}, nil
}

// UpdateRevocationStatusList implements anoncreds.Registrar.
func (r *Registrar) UpdateRevocationStatusList(_ context.Context, _, curr *anoncreds.StatusList, revoked []int, _ options.Bag) (*anoncreds.RegistrationResult, error) {
	if err := r.enter(MethodUpdateRegistration); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, slices.Clone(revoked))
	return &anoncreds.RegistrationResult{State: anoncreds.StateFinished, ID: curr.RevRegDefID}, nil
}

// Definitions returns the registered definitions.
func (r *Registrar) Definitions() []*anoncreds.RevocationRegistryDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.definitions)
}

// Updates returns the revoked index sets published so far.
func (r *Registrar) Updates() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.updates)
}
