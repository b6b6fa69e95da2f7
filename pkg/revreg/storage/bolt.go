package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/randalmurphal/revreg/pkg/revreg/codec"
)

// BoltStore persists records to a bbolt file, one bucket per category.
// bbolt admits a single writable transaction at a time, which gives
// Transaction its isolation.
type BoltStore struct {
	db     *bolt.DB
	mu     sync.RWMutex
	closed bool
}

// boltEntry is the stored form of a record.
type boltEntry struct {
	Value []byte            `cbor:"v"`
	Tags  map[string]string `cbor:"t"`
}

// NewBoltStore opens or creates a bbolt database at the given path.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

var _ Store = (*BoltStore)(nil)

// Session implements Store.
func (s *BoltStore) Session(_ context.Context) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &boltSession{store: s}, nil
}

// Transaction implements Store.
func (s *BoltStore) Transaction(_ context.Context) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &boltSession{store: s, tx: tx}, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type boltSession struct {
	store *BoltStore
	tx    *bolt.Tx
	done  bool
}

func (s *boltSession) check() error {
	if s.done {
		return ErrTxDone
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	if s.store.closed {
		return ErrClosed
	}
	return nil
}

func (s *boltSession) view(fn func(*bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.store.db.View(fn)
}

func (s *boltSession) update(fn func(*bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.store.db.Update(fn)
}

func decodeEntry(category string, key, data []byte) (*Record, error) {
	var e boltEntry
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", category, key, err)
	}
	return &Record{Category: category, Key: string(key), Value: e.Value, Tags: e.Tags}, nil
}

func (s *boltSession) Fetch(_ context.Context, category, key string, _ bool) (*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeEntry(category, []byte(key), data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *boltSession) FetchAll(_ context.Context, category string, filter TagFilter, limit int, _ bool) ([]*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var recs []*Record
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeEntry(category, k, v)
			if err != nil {
				return err
			}
			if filter.Matches(rec.Tags) {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sortRecords(recs, limit), nil
}

func (s *boltSession) put(rec *Record, mustExist bool) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	data, err := codec.Marshal(boltEntry{Value: rec.Value, Tags: rec.Tags})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return s.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(rec.Category))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", rec.Category, err)
		}
		exists := b.Get([]byte(rec.Key)) != nil
		switch {
		case mustExist && !exists:
			return ErrNotFound
		case !mustExist && exists:
			return ErrDuplicate
		}
		return b.Put([]byte(rec.Key), data)
	})
}

func (s *boltSession) Insert(_ context.Context, rec *Record) error {
	return s.put(rec, false)
}

func (s *boltSession) Replace(_ context.Context, rec *Record) error {
	return s.put(rec, true)
}

func (s *boltSession) Remove(_ context.Context, category, key string) error {
	if err := s.check(); err != nil {
		return err
	}

	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil || b.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltSession) Commit(_ context.Context) error {
	if s.done {
		return ErrTxDone
	}
	if s.tx == nil {
		return nil
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *boltSession) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
