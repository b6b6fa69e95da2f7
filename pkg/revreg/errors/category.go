// Package errors provides the error taxonomy shared by the revocation engine,
// the saga orchestrator and recovery.
//
// Errors are classified by Kind:
//   - KindTransient: retrying will likely help (network hiccups, timeouts)
//   - KindNotFound: a referenced record does not exist
//   - KindRegistryFull: the active registry has no unallocated index left
//   - KindValidation: caller input was rejected
//   - KindConflict: an optimistic-concurrency check failed
//   - KindUnrecoverable: an operator has to look at it
//
// Import it as rrerrors to avoid shadowing the standard library package.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind represents how an error should be handled.
type Kind int

const (
	// KindTransient indicates retry will likely help.
	KindTransient Kind = iota

	// KindNotFound indicates a referenced record is missing.
	KindNotFound

	// KindRegistryFull indicates the registry has no free index.
	// Callers recover by switching to the backup registry and retrying.
	KindRegistryFull

	// KindValidation indicates the input was rejected.
	KindValidation

	// KindConflict indicates a concurrent writer changed the data first.
	KindConflict

	// KindUnrecoverable indicates an operator must investigate.
	KindUnrecoverable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindRegistryFull:
		return "registry_full"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRegistryFull is returned when index allocation runs past maxCredNum.
	ErrRegistryFull = errors.New("revocation registry full")

	// ErrRepeatedConflict is returned when an optimistic write keeps losing.
	ErrRepeatedConflict = errors.New("repeated conflict")

	// ErrNoBackupRegistry is returned when a full registry has no finished backup.
	ErrNoBackupRegistry = errors.New("no backup registry available")

	// ErrTailsConfig is returned when the tails server location is unusable.
	ErrTailsConfig = errors.New("invalid tails server configuration")
)

// Error wraps an error with its kind and the operation that failed.
type Error struct {
	// Kind indicates how this error should be handled.
	Kind Kind

	// Op describes what was being attempted.
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient creates a transient error.
func Transient(op string, err error) *Error {
	return New(KindTransient, op, err)
}

// NotFound creates a not-found error. The result matches ErrNotFound.
func NotFound(op string, what string) *Error {
	return New(KindNotFound, op, fmt.Errorf("%s %w", what, ErrNotFound))
}

// Validation creates a validation error.
func Validation(op string, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// Unrecoverable creates an error that needs operator attention.
func Unrecoverable(op string, err error) *Error {
	return New(KindUnrecoverable, op, err)
}

// KindOf determines how an error should be handled.
// Unclassified errors are treated as unrecoverable.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnrecoverable
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrRegistryFull):
		return KindRegistryFull
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRepeatedConflict):
		return KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindUnrecoverable
}

// IsRetryable reports whether the error should be retried as-is.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConflict:
		return true
	default:
		return false
	}
}

// IsRegistryFull reports whether the error signals an exhausted registry.
func IsRegistryFull(err error) bool {
	return KindOf(err) == KindRegistryFull
}

// IsNotFound reports whether the error signals a missing record.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
