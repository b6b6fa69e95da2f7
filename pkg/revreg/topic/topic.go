// Package topic defines the event topics and payloads exchanged by the
// revocation setup saga, the revocation engine and recovery.
//
// Payloads are flat records: identifiers, an option bag and, on responses,
// an optional failure. Every request topic shares the Request payload so
// recovery can re-emit any persisted request without knowing its step.
package topic

import (
	"fmt"
	"regexp"

	"github.com/randalmurphal/revreg/pkg/revreg/options"
)

// Topics.
const (
	CredDefFinished = "anoncreds::credential-definition::finished"

	RegistryCreateRequested = "anoncreds::revocation-registry::create::requested"
	RegistryCreateResponse  = "anoncreds::revocation-registry::create::response"
	RegistryStoreRequested  = "anoncreds::revocation-registry::store::requested"
	RegistryStoreResponse   = "anoncreds::revocation-registry::store::response"

	ListCreateRequested = "anoncreds::revocation-list::create::requested"
	ListCreateResponse  = "anoncreds::revocation-list::create::response"
	ListStoreRequested  = "anoncreds::revocation-list::store::requested"
	ListStoreResponse   = "anoncreds::revocation-list::store::response"

	ActivationRequested = "anoncreds::revocation-registry::activation::requested"
	ActivationResponse  = "anoncreds::revocation-registry::activation::response"

	RegistryFullDetected  = "anoncreds::revocation-registry::full-detected"
	FullHandlingRequested = "anoncreds::revocation-registry::full-handling::requested"
	FullHandlingResponse  = "anoncreds::revocation-registry::full-handling::response"

	RegistryDefinitionFinished = "anoncreds::revocation-registry-definition::finished"
	RevocationListFinished     = "anoncreds::revocation-list::finished"

	InterventionRequired = "anoncreds::intervention-required"
)

// Pattern returns an anchored regular expression matching exactly topic.
func Pattern(topic string) string {
	return "^" + regexp.QuoteMeta(topic) + "$"
}

// Step names a saga step.
type Step string

// Saga steps.
const (
	StepRegistryCreate Step = "registry-create"
	StepRegistryStore  Step = "registry-store"
	StepListCreate     Step = "list-create"
	StepListStore      Step = "list-store"
	StepActivation     Step = "activation"
	StepFullHandling   Step = "full-handling"
)

// Steps lists the saga steps in order.
var Steps = []Step{
	StepRegistryCreate,
	StepRegistryStore,
	StepListCreate,
	StepListStore,
	StepActivation,
	StepFullHandling,
}

// RequestTopic returns the request topic of a step.
func (s Step) RequestTopic() string {
	switch s {
	case StepRegistryCreate:
		return RegistryCreateRequested
	case StepRegistryStore:
		return RegistryStoreRequested
	case StepListCreate:
		return ListCreateRequested
	case StepListStore:
		return ListStoreRequested
	case StepActivation:
		return ActivationRequested
	case StepFullHandling:
		return FullHandlingRequested
	default:
		return ""
	}
}

// ResponseTopic returns the response topic of a step.
func (s Step) ResponseTopic() string {
	switch s {
	case StepRegistryCreate:
		return RegistryCreateResponse
	case StepRegistryStore:
		return RegistryStoreResponse
	case StepListCreate:
		return ListCreateResponse
	case StepListStore:
		return ListStoreResponse
	case StepActivation:
		return ActivationResponse
	case StepFullHandling:
		return FullHandlingResponse
	default:
		return ""
	}
}

// StepForRequest maps a request topic back to its step.
func StepForRequest(topic string) (Step, error) {
	for _, s := range Steps {
		if s.RequestTopic() == topic {
			return s, nil
		}
	}
	return "", fmt.Errorf("no saga step for topic %q", topic)
}

// CredDefPayload announces a finished credential definition.
type CredDefPayload struct {
	CredDefID         string      `json:"credDefId"`
	IssuerID          string      `json:"issuerId"`
	SupportRevocation bool        `json:"supportRevocation"`
	MaxCredNum        int         `json:"maxCredNum,omitempty"`
	Options           options.Bag `json:"options,omitempty"`
}

// Request is the payload of every saga request topic. Fields a step does
// not need are left empty.
type Request struct {
	IssuerID     string      `json:"issuerId,omitempty"`
	CredDefID    string      `json:"credDefId,omitempty"`
	RegDefID     string      `json:"regDefId,omitempty"`
	RegistryType string      `json:"registryType,omitempty"`
	Tag          string      `json:"tag,omitempty"`
	MaxCredNum   int         `json:"maxCredNum,omitempty"`
	JobID        string      `json:"jobId,omitempty"`
	Options      options.Bag `json:"options,omitempty"`
}

// Identifier returns the most specific identifier of the request.
func (r Request) Identifier() string {
	if r.RegDefID != "" {
		return r.RegDefID
	}
	return r.CredDefID
}

// Result carries what a successful step produced.
type Result struct {
	RegDefID string `json:"regDefId,omitempty"`
	JobID    string `json:"jobId,omitempty"`
	State    string `json:"state,omitempty"`

	// FailedToUpload reports a tails file the tails server never confirmed.
	FailedToUpload bool `json:"failedToUpload,omitempty"`
}

// Response is the payload of every saga response topic.
type Response struct {
	Step    Step     `json:"step"`
	Request Request  `json:"request"`
	Result  Result   `json:"result"`
	Failure *Failure `json:"failure,omitempty"`
}

// OK reports whether the step succeeded.
func (r Response) OK() bool {
	return r.Failure == nil
}

// ErrorInfo describes a failed step attempt.
type ErrorInfo struct {
	ErrorMsg    string `json:"errorMsg"`
	ShouldRetry bool   `json:"shouldRetry"`
	RetryCount  int    `json:"retryCount"`
}

// Failure is attached to a response when its step failed. The inputs needed
// to retry travel in the enclosing Response.Request.
type Failure struct {
	Step      Step      `json:"step"`
	ErrorInfo ErrorInfo `json:"errorInfo"`
}

// FullDetectedPayload reports a registry that ran out of indices.
type FullDetectedPayload struct {
	RegDefID     string      `json:"regDefId"`
	CredDefID    string      `json:"credDefId"`
	IssuerID     string      `json:"issuerId,omitempty"`
	RegistryType string      `json:"registryType,omitempty"`
	MaxCredNum   int         `json:"maxCredNum,omitempty"`
	Options      options.Bag `json:"options,omitempty"`
}

// RegistryFinishedPayload announces a stored registry definition.
type RegistryFinishedPayload struct {
	RegDefID string `json:"regDefId"`
	// JobID is the registration job the definition was stored under while
	// the network had not finished it.
	JobID     string `json:"jobId,omitempty"`
	CredDefID string `json:"credDefId"`
	State     string `json:"state"`
}

// ListFinishedPayload announces a stored revocation list.
type ListFinishedPayload struct {
	RegDefID string `json:"regDefId"`
	State    string `json:"state"`
}

// InterventionPayload asks an operator to take over.
type InterventionPayload struct {
	Step       Step        `json:"step"`
	Message    string      `json:"message"`
	Identifier string      `json:"identifier"`
	Options    options.Bag `json:"options,omitempty"`
}
