// Package anoncreds defines the boundary to the native credential-crypto
// library and to the identity network the registries are published on.
//
// Neither is implemented here: deployments bind Library to the native
// bindings and Registrar to their ledger client. Package anoncredstest
// provides deterministic fakes.
package anoncreds

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/randalmurphal/revreg/pkg/revreg/options"
)

// DefaultRegistryType is the only accumulator type in use.
const DefaultRegistryType = "CL_ACCUM"

// Registration states reported by the identity network.
const (
	StateFinished = "finished"
	StateWait     = "wait"
	StateFailed   = "failed"
)

// CredentialDefinition is the public part of a credential definition.
type CredentialDefinition struct {
	ID                string          `json:"id" cbor:"id"`
	IssuerID          string          `json:"issuerId" cbor:"issuerId"`
	SchemaID          string          `json:"schemaId" cbor:"schemaId"`
	Tag               string          `json:"tag" cbor:"tag"`
	SupportRevocation bool            `json:"supportRevocation" cbor:"supportRevocation"`
	Value             json.RawMessage `json:"value,omitempty" cbor:"value,omitempty"`
}

// CredentialDefinitionPrivate holds the issuer's signing secrets.
type CredentialDefinitionPrivate struct {
	Value json.RawMessage `json:"value" cbor:"value"`
}

// RevocationRegistryDefinitionValue carries the public parameters.
type RevocationRegistryDefinitionValue struct {
	MaxCredNum    int             `json:"maxCredNum" cbor:"maxCredNum"`
	TailsHash     string          `json:"tailsHash" cbor:"tailsHash"`
	TailsLocation string          `json:"tailsLocation" cbor:"tailsLocation"`
	PublicKeys    json.RawMessage `json:"publicKeys,omitempty" cbor:"publicKeys,omitempty"`
}

// RevocationRegistryDefinition is the public registry definition as created
// by the library and published on the network.
type RevocationRegistryDefinition struct {
	IssuerID     string                            `json:"issuerId" cbor:"issuerId"`
	RevocDefType string                            `json:"revocDefType" cbor:"revocDefType"`
	CredDefID    string                            `json:"credDefId" cbor:"credDefId"`
	Tag          string                            `json:"tag" cbor:"tag"`
	Value        RevocationRegistryDefinitionValue `json:"value" cbor:"value"`
}

// RevocationRegistryDefinitionPrivate is the registry's secret material.
// It never leaves the engine.
type RevocationRegistryDefinitionPrivate struct {
	Value json.RawMessage `json:"value" cbor:"value"`
}

// StatusList is the revocation status list. RevocationList holds one entry
// per credential index, index i at position i-1; 1 means revoked.
type StatusList struct {
	IssuerID           string `json:"issuerId" cbor:"issuerId"`
	RevRegDefID        string `json:"revRegDefId" cbor:"revRegDefId"`
	RevocationList     []int  `json:"revocationList" cbor:"revocationList"`
	CurrentAccumulator string `json:"currentAccumulator" cbor:"currentAccumulator"`
	Timestamp          int64  `json:"timestamp" cbor:"timestamp"`
}

// Size returns the number of indices the list covers.
func (l *StatusList) Size() int {
	return len(l.RevocationList)
}

// IsRevoked reports whether credential index idx is revoked.
// Out-of-range indices report false.
func (l *StatusList) IsRevoked(idx int) bool {
	if idx < 1 || idx > len(l.RevocationList) {
		return false
	}
	return l.RevocationList[idx-1] == 1
}

// Clone returns a deep copy.
func (l *StatusList) Clone() *StatusList {
	if l == nil {
		return nil
	}
	out := *l
	out.RevocationList = slices.Clone(l.RevocationList)
	return &out
}

// CreateRegistryDefinitionInput is the input to Library.CreateRegistryDefinition.
type CreateRegistryDefinitionInput struct {
	CredDef      *CredentialDefinition
	CredDefID    string
	IssuerID     string
	Tag          string
	RegistryType string
	MaxCredNum   int
	TailsDir     string
}

// RevocationConfig binds a credential to a registry index at issuance.
type RevocationConfig struct {
	RegDefID      string
	RegDef        *RevocationRegistryDefinition
	RegDefPrivate *RevocationRegistryDefinitionPrivate
	StatusList    *StatusList
	RevIndex      int
}

// CreateCredentialInput is the input to Library.CreateCredential.
type CreateCredentialInput struct {
	CredDef        *CredentialDefinition
	CredDefPrivate *CredentialDefinitionPrivate
	Offer          json.RawMessage
	Request        json.RawMessage
	Values         map[string]string
	Revocation     *RevocationConfig
}

// Credential is an issued credential.
type Credential struct {
	Value     json.RawMessage `json:"value"`
	RevRegID  string          `json:"revRegId,omitempty"`
	CredRevID int             `json:"credRevId,omitempty"`
}

// Library is the native credential-crypto library.
type Library interface {
	// CreateRegistryDefinition generates a registry and writes its tails
	// file under TailsDir.
	CreateRegistryDefinition(ctx context.Context, in CreateRegistryDefinitionInput) (*RevocationRegistryDefinition, *RevocationRegistryDefinitionPrivate, error)

	// CreateStatusList creates the initial, all-valid status list.
	CreateStatusList(ctx context.Context, credDef *CredentialDefinition, regDefID string, regDef *RevocationRegistryDefinition, private *RevocationRegistryDefinitionPrivate, issuerID string) (*StatusList, error)

	// UpdateStatusList returns a new list with the revoked indices applied.
	UpdateStatusList(ctx context.Context, credDef *CredentialDefinition, regDefID string, regDef *RevocationRegistryDefinition, private *RevocationRegistryDefinitionPrivate, current *StatusList, revoked []int, timestamp int64) (*StatusList, error)

	// CreateCredential signs a credential.
	CreateCredential(ctx context.Context, in CreateCredentialInput) (*Credential, error)
}

// RegistrationResult is the identity network's answer to a registration.
type RegistrationResult struct {
	State  string `json:"state"`
	ID     string `json:"id,omitempty"`
	JobID  string `json:"jobId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Registrar publishes registries and status lists on the identity network.
type Registrar interface {
	RegisterRevocationRegistryDefinition(ctx context.Context, def *RevocationRegistryDefinition, opts options.Bag) (*RegistrationResult, error)
	RegisterRevocationStatusList(ctx context.Context, list *StatusList, opts options.Bag) (*RegistrationResult, error)
	UpdateRevocationStatusList(ctx context.Context, prev, curr *StatusList, revoked []int, opts options.Bag) (*RegistrationResult, error)
}
