// Package storage provides the transactional record store the revocation
// engine and the event store persist into.
//
// Records are addressed by (category, key), carry an opaque value and a set
// of string tags, and can be queried by exact tag match. A Store hands out
// two kinds of Session:
//
//   - Session: every write applies immediately.
//   - Transaction: writes are buffered until Commit; Close without Commit
//     discards them. Transactions of one Store are serialized, so a record
//     read inside a transaction cannot change before that transaction ends.
//
// Three implementations are provided: MemoryStore for tests, SQLiteStore and
// BoltStore for single-process deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
)

// Store opens sessions over a record store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Session opens a non-transactional session.
	Session(ctx context.Context) (Session, error)

	// Transaction opens a transactional session. It blocks while another
	// transaction on the same store is open.
	Transaction(ctx context.Context) (Session, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Session reads and writes records.
// A Session must not be shared between goroutines.
type Session interface {
	// Fetch returns the record at (category, key).
	// Returns ErrNotFound if it doesn't exist.
	Fetch(ctx context.Context, category, key string, forUpdate bool) (*Record, error)

	// FetchAll returns records of category whose tags match filter, ordered
	// by key. A limit of zero or less returns every match.
	FetchAll(ctx context.Context, category string, filter TagFilter, limit int, forUpdate bool) ([]*Record, error)

	// Insert adds a new record. Returns ErrDuplicate if the key is taken.
	Insert(ctx context.Context, rec *Record) error

	// Replace overwrites an existing record's value and tags.
	// Returns ErrNotFound if it doesn't exist.
	Replace(ctx context.Context, rec *Record) error

	// Remove deletes a record. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, category, key string) error

	// Commit applies buffered writes. It is a no-op for non-transactional
	// sessions.
	Commit(ctx context.Context) error

	// Close ends the session, discarding uncommitted writes.
	Close() error
}

// Record is a stored item.
type Record struct {
	Category string
	Key      string
	Value    []byte
	Tags     map[string]string
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Category: r.Category,
		Key:      r.Key,
		Value:    slices.Clone(r.Value),
		Tags:     maps.Clone(r.Tags),
	}
}

// TagFilter selects records whose tags equal every entry.
type TagFilter map[string]string

// Matches reports whether tags satisfy the filter.
func (f TagFilter) Matches(tags map[string]string) bool {
	for k, v := range f {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = fmt.Errorf("record %w", rrerrors.ErrNotFound)

	// ErrDuplicate indicates Insert found an existing record.
	ErrDuplicate = errors.New("record already exists")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("record store closed")

	// ErrTxDone indicates the session was already committed or closed.
	ErrTxDone = errors.New("session already finished")
)

func validateRecord(rec *Record) error {
	if rec == nil || rec.Category == "" || rec.Key == "" {
		return errors.New("record needs a category and a key")
	}
	return nil
}

// sortRecords orders records by key and applies limit.
func sortRecords(recs []*Record, limit int) []*Record {
	slices.SortFunc(recs, func(a, b *Record) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
