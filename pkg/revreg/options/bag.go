// Package options provides the option bag that travels with every saga
// payload.
//
// A Bag is an open map of string keys to JSON-compatible values. A few keys
// are reserved for the orchestrator (request id, correlation id, retry count,
// recovery flag); the rest carry step context such as the first-registry
// marker. Bags are treated as values: every helper returns a new Bag and never
// mutates its receiver.
package options

import (
	"encoding/json"
	"maps"
	"math"
)

// Reserved keys.
const (
	KeyRequestID     = "requestId"
	KeyCorrelationID = "correlationId"
	KeyRetryCount    = "retryCount"
	KeyRecovery      = "recovery"
)

// Domain keys carried between saga steps.
const (
	KeyFirstRegistry  = "firstRegistry"
	KeyFailedToUpload = "failedToUpload"
	KeyFullHandling   = "fullHandling"
	KeyOldRegDefID    = "oldRegDefId"
)

// Bag is a copy-on-write key/value map.
type Bag map[string]any

// Clone returns a shallow copy. Cloning a nil bag returns an empty bag.
func (b Bag) Clone() Bag {
	out := make(Bag, len(b)+2)
	maps.Copy(out, b)
	return out
}

// With returns a copy with key set to value.
func (b Bag) With(key string, value any) Bag {
	out := b.Clone()
	out[key] = value
	return out
}

// Without returns a copy with the given keys removed.
func (b Bag) Without(keys ...string) Bag {
	out := b.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Merge returns a copy with every entry of other applied on top.
func (b Bag) Merge(other Bag) Bag {
	out := b.Clone()
	maps.Copy(out, other)
	return out
}

// Clean strips the per-attempt keys so the bag can start a new step.
func (b Bag) Clean() Bag {
	return b.Without(KeyCorrelationID, KeyRetryCount, KeyRecovery)
}

// Has reports whether key is present.
func (b Bag) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// String returns the string at key, or "".
func (b Bag) String(key string) string {
	s, _ := b[key].(string)
	return s
}

// Bool returns the bool at key, or false.
func (b Bag) Bool(key string) bool {
	v, _ := b[key].(bool)
	return v
}

// Int returns the integer at key, or 0.
// Values decoded from JSON arrive as float64 and are truncated.
func (b Bag) Int(key string) int {
	switch v := b[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		if v > math.MaxInt {
			return math.MaxInt
		}
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// RequestID returns the request id.
func (b Bag) RequestID() string { return b.String(KeyRequestID) }

// CorrelationID returns the correlation id, empty on a first attempt.
func (b Bag) CorrelationID() string { return b.String(KeyCorrelationID) }

// RetryCount returns the number of retries already made.
func (b Bag) RetryCount() int { return b.Int(KeyRetryCount) }

// Recovery reports whether the payload was re-emitted by recovery.
func (b Bag) Recovery() bool { return b.Bool(KeyRecovery) }

// FirstRegistry reports whether the saga is setting up the first registry
// of a credential definition.
func (b Bag) FirstRegistry() bool { return b.Bool(KeyFirstRegistry) }
