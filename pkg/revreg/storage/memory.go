package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory record store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]*Record // category -> key -> record
	closed bool

	// txSem admits one transaction at a time.
	txSem chan struct{}
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]map[string]*Record),
		txSem: make(chan struct{}, 1),
	}
}

var _ Store = (*MemoryStore)(nil)

// Session implements Store.
func (m *MemoryStore) Session(_ context.Context) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memorySession{store: m}, nil
}

// Transaction implements Store.
func (m *MemoryStore) Transaction(ctx context.Context) (Session, error) {
	select {
	case m.txSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		<-m.txSem
		return nil, ErrClosed
	}

	return &memorySession{store: m, tx: true, writes: make(map[string]map[string]*memoryWrite)}, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// get returns a copy of a stored record. Caller holds mu.
func (m *MemoryStore) get(category, key string) (*Record, bool) {
	rec, ok := m.data[category][key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// put stores a copy of rec. Caller holds mu.
func (m *MemoryStore) put(rec *Record) {
	if m.data[rec.Category] == nil {
		m.data[rec.Category] = make(map[string]*Record)
	}
	m.data[rec.Category][rec.Key] = rec.Clone()
}

type memoryWrite struct {
	rec     *Record // nil when deleted
	created bool
}

// memorySession applies writes directly, or buffers them when tx is set.
type memorySession struct {
	store  *MemoryStore
	tx     bool
	done   bool
	writes map[string]map[string]*memoryWrite
}

func (s *memorySession) check() error {
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

// lookup resolves a record through the write buffer.
func (s *memorySession) lookup(category, key string) (*Record, bool) {
	if w, ok := s.writes[category][key]; ok {
		if w.rec == nil {
			return nil, false
		}
		return w.rec.Clone(), true
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.store.get(category, key)
}

func (s *memorySession) buffer(rec *Record, category, key string, created bool) {
	if s.writes[category] == nil {
		s.writes[category] = make(map[string]*memoryWrite)
	}
	if prev, ok := s.writes[category][key]; ok && prev.created {
		created = rec != nil
	}
	s.writes[category][key] = &memoryWrite{rec: rec.Clone(), created: created}
}

func (s *memorySession) Fetch(_ context.Context, category, key string, _ bool) (*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(category, key)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *memorySession) FetchAll(_ context.Context, category string, filter TagFilter, limit int, _ bool) ([]*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	merged := make(map[string]*Record)
	s.store.mu.RLock()
	for key, rec := range s.store.data[category] {
		merged[key] = rec
	}
	s.store.mu.RUnlock()
	for key, w := range s.writes[category] {
		if w.rec == nil {
			delete(merged, key)
			continue
		}
		merged[key] = w.rec
	}

	var out []*Record
	for _, rec := range merged {
		if filter.Matches(rec.Tags) {
			out = append(out, rec.Clone())
		}
	}
	return sortRecords(out, limit), nil
}

func (s *memorySession) Insert(_ context.Context, rec *Record) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	if s.tx {
		if _, ok := s.lookup(rec.Category, rec.Key); ok {
			return ErrDuplicate
		}
		s.buffer(rec, rec.Category, rec.Key, true)
		return nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.data[rec.Category][rec.Key]; ok {
		return ErrDuplicate
	}
	s.store.put(rec)
	return nil
}

func (s *memorySession) Replace(_ context.Context, rec *Record) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	if s.tx {
		if _, ok := s.lookup(rec.Category, rec.Key); !ok {
			return ErrNotFound
		}
		s.buffer(rec, rec.Category, rec.Key, false)
		return nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.data[rec.Category][rec.Key]; !ok {
		return ErrNotFound
	}
	s.store.put(rec)
	return nil
}

func (s *memorySession) Remove(_ context.Context, category, key string) error {
	if err := s.check(); err != nil {
		return err
	}

	if s.tx {
		if _, ok := s.lookup(category, key); !ok {
			return ErrNotFound
		}
		s.buffer(nil, category, key, false)
		return nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.data[category][key]; !ok {
		return ErrNotFound
	}
	delete(s.store.data[category], key)
	return nil
}

func (s *memorySession) Commit(_ context.Context) error {
	if s.done {
		return ErrTxDone
	}
	if !s.tx {
		return nil
	}
	defer s.finish()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.closed {
		return ErrClosed
	}

	// Non-transactional writers may have raced our inserts.
	for category, byKey := range s.writes {
		for key, w := range byKey {
			if w.created {
				if _, ok := s.store.data[category][key]; ok {
					return ErrDuplicate
				}
			}
		}
	}

	for category, byKey := range s.writes {
		for key, w := range byKey {
			if w.rec == nil {
				delete(s.store.data[category], key)
				continue
			}
			s.store.put(w.rec)
		}
	}
	return nil
}

func (s *memorySession) Close() error {
	if s.done {
		return nil
	}
	if s.tx {
		s.finish()
		return nil
	}
	s.done = true
	return nil
}

func (s *memorySession) finish() {
	s.done = true
	s.writes = nil
	<-s.store.txSem
}
