package revocation

import (
	"slices"
	"strconv"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/codec"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

// Storage categories owned by the engine.
const (
	CategoryRegistryDefinition          = "revocation_reg_def"
	CategoryRegistryPrivate             = "revocation_reg_def_private"
	CategoryRevocationList              = "revocation_list"
	CategoryStagedDefinition            = "revocation_reg_def_staged"
	CategoryStagedList                  = "revocation_list_staged"
	CategoryCredentialDefinition        = "credential_def"
	CategoryCredentialDefinitionPrivate = "credential_def_private"
)

// Record tags.
const (
	TagCredDefID = "credDefId"
	TagIssuerID  = "issuerId"
	TagState     = "state"
	TagActive    = "active"
	TagPending   = "pending"
)

// RegistryState is the lifecycle state of a registry definition.
type RegistryState string

// Registry states.
const (
	RegistryWait           RegistryState = "WAIT"
	RegistryFinished       RegistryState = "FINISHED"
	RegistryFull           RegistryState = "FULL"
	RegistryDecommissioned RegistryState = "DECOMMISSIONED"
)

// ListState is the lifecycle state of a revocation list.
type ListState string

// List states.
const (
	ListPending  ListState = "PENDING"
	ListFinished ListState = "FINISHED"
	// ListFailed marks a list whose tails file was never confirmed on the
	// tails server. The upload is retried on the next allocation.
	ListFailed ListState = "FAILED"
)

// TailsInfo locates a registry's tails file.
type TailsInfo struct {
	Hash      string `cbor:"hash"`
	PublicURI string `cbor:"publicUri"`
	LocalPath string `cbor:"localPath"`
}

// RegistryDefinition is the engine's record of one revocation registry.
type RegistryDefinition struct {
	// ID is the network-assigned id. Empty until registration finishes.
	ID           string        `cbor:"id,omitempty"`
	JobID        string        `cbor:"jobId,omitempty"`
	CredDefID    string        `cbor:"credDefId"`
	IssuerID     string        `cbor:"issuerId"`
	RegistryType string        `cbor:"registryType"`
	Tag          string        `cbor:"tag"`
	MaxCredNum   int           `cbor:"maxCredNum"`
	Tails        TailsInfo     `cbor:"tails"`
	State        RegistryState `cbor:"state"`
	Active       bool          `cbor:"active"`

	Definition *anoncreds.RevocationRegistryDefinition `cbor:"definition"`
	CreatedAt  time.Time                               `cbor:"createdAt"`
}

// Key returns the storage key: the id, or the job id while registration is
// still pending.
func (d *RegistryDefinition) Key() string {
	if d.ID != "" {
		return d.ID
	}
	return d.JobID
}

// RegistryPrivateData is the registry's secret material, keyed like its
// definition.
type RegistryPrivateData struct {
	RegDefID string                                         `cbor:"regDefId"`
	Value    *anoncreds.RevocationRegistryDefinitionPrivate `cbor:"value"`
}

// RevocationList is the engine's record of a registry's status list.
type RevocationList struct {
	RegDefID   string                `cbor:"regDefId"`
	StatusList *anoncreds.StatusList `cbor:"statusList"`
	// NextIndex is the next unallocated credential index. Index 0 is never
	// handed out.
	NextIndex int `cbor:"nextIndex"`
	// Pending holds allocated indices queued for revocation, sorted.
	Pending   []int     `cbor:"pending,omitempty"`
	State     ListState `cbor:"state"`
	UpdatedAt time.Time `cbor:"updatedAt"`
}

// stagedDefinition carries a created registry between the create and store
// steps.
type stagedDefinition struct {
	Definition *RegistryDefinition  `cbor:"definition"`
	Private    *RegistryPrivateData `cbor:"private"`
}

func encodeDefinition(d *RegistryDefinition) (*storage.Record, error) {
	value, err := codec.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		Category: CategoryRegistryDefinition,
		Key:      d.Key(),
		Value:    value,
		Tags: map[string]string{
			TagCredDefID: d.CredDefID,
			TagIssuerID:  d.IssuerID,
			TagState:     string(d.State),
			TagActive:    strconv.FormatBool(d.Active),
		},
	}, nil
}

func decodeDefinition(rec *storage.Record) (*RegistryDefinition, error) {
	var d RegistryDefinition
	if err := codec.Unmarshal(rec.Value, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func encodePrivate(p *RegistryPrivateData) (*storage.Record, error) {
	value, err := codec.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		Category: CategoryRegistryPrivate,
		Key:      p.RegDefID,
		Value:    value,
	}, nil
}

func decodePrivate(rec *storage.Record) (*RegistryPrivateData, error) {
	var p RegistryPrivateData
	if err := codec.Unmarshal(rec.Value, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodeList(category string, l *RevocationList) (*storage.Record, error) {
	value, err := codec.Marshal(l)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		Category: category,
		Key:      l.RegDefID,
		Value:    value,
		Tags: map[string]string{
			TagState:   string(l.State),
			TagPending: strconv.FormatBool(len(l.Pending) > 0),
		},
	}, nil
}

func decodeList(rec *storage.Record) (*RevocationList, error) {
	var l RevocationList
	if err := codec.Unmarshal(rec.Value, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// mergeIndices returns the sorted union of the given index sets.
func mergeIndices(sets ...[]int) []int {
	var out []int
	for _, s := range sets {
		out = append(out, s...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
