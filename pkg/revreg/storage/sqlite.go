package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	// txSem admits one transaction at a time.
	txSem chan struct{}
}

// NewSQLiteStore creates a new SQLite record store.
// The path should be a file path (e.g., "./revreg.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		// IMMEDIATE transactions take the write lock up front so a
		// read-then-write transaction can't lose its snapshot.
		dsn = "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS items (
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (category, name)
		)`,
		`CREATE TABLE IF NOT EXISTS item_tags (
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			tag_name TEXT NOT NULL,
			tag_value TEXT NOT NULL,
			PRIMARY KEY (category, name, tag_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_tags_lookup
		ON item_tags(category, tag_name, tag_value)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, txSem: make(chan struct{}, 1)}, nil
}

var _ Store = (*SQLiteStore)(nil)

// Session implements Store.
func (s *SQLiteStore) Session(_ context.Context) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &sqliteSession{store: s, q: s.db}, nil
}

// Transaction implements Store.
func (s *SQLiteStore) Transaction(ctx context.Context) (Session, error) {
	select {
	case s.txSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		<-s.txSem
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		<-s.txSem
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteSession{store: s, q: tx, tx: tx}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteSession struct {
	store *SQLiteStore
	q     querier
	tx    *sql.Tx
	done  bool
}

func (s *sqliteSession) check() error {
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

func (s *sqliteSession) Fetch(ctx context.Context, category, key string, _ bool) (*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT value FROM items
		WHERE category = ? AND name = ?
	`, category, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch record: %w", err)
	}

	tags, err := s.loadTags(ctx, category, key)
	if err != nil {
		return nil, err
	}
	return &Record{Category: category, Key: key, Value: value, Tags: tags}, nil
}

func (s *sqliteSession) FetchAll(ctx context.Context, category string, filter TagFilter, limit int, _ bool) ([]*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var query strings.Builder
	args := []any{category}
	query.WriteString(`SELECT i.name, i.value FROM items i WHERE i.category = ?`)
	for name, value := range filter {
		query.WriteString(` AND EXISTS (SELECT 1 FROM item_tags t
			WHERE t.category = i.category AND t.name = i.name
			AND t.tag_name = ? AND t.tag_value = ?)`)
		args = append(args, name, value)
	}
	query.WriteString(` ORDER BY i.name`)
	if limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	var recs []*Record
	for rows.Next() {
		rec := &Record{Category: category}
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	rows.Close()

	// Tags are loaded after the cursor is closed; :memory: stores have a
	// single connection.
	for _, rec := range recs {
		if rec.Tags, err = s.loadTags(ctx, category, rec.Key); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *sqliteSession) loadTags(ctx context.Context, category, key string) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT tag_name, tag_value FROM item_tags
		WHERE category = ? AND name = ?
	`, category, key)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

func (s *sqliteSession) Insert(ctx context.Context, rec *Record) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			INSERT INTO items (category, name, value) VALUES (?, ?, ?)
			ON CONFLICT(category, name) DO NOTHING
		`, rec.Category, rec.Key, rec.Value)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicate
		}
		return writeTags(ctx, q, rec)
	})
}

func (s *sqliteSession) Replace(ctx context.Context, rec *Record) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE items SET value = ?
			WHERE category = ? AND name = ?
		`, rec.Value, rec.Category, rec.Key)
		if err != nil {
			return fmt.Errorf("replace record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return writeTags(ctx, q, rec)
	})
}

func (s *sqliteSession) Remove(ctx context.Context, category, key string) error {
	if err := s.check(); err != nil {
		return err
	}

	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			DELETE FROM items WHERE category = ? AND name = ?
		`, category, key)
		if err != nil {
			return fmt.Errorf("remove record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := q.ExecContext(ctx, `
			DELETE FROM item_tags WHERE category = ? AND name = ?
		`, category, key); err != nil {
			return fmt.Errorf("remove tags: %w", err)
		}
		return nil
	})
}

// write runs fn in the session transaction, or in a short one of its own so
// a record and its tags change together.
func (s *sqliteSession) write(ctx context.Context, fn func(querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	return nil
}

func writeTags(ctx context.Context, q querier, rec *Record) error {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM item_tags WHERE category = ? AND name = ?
	`, rec.Category, rec.Key); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for name, value := range rec.Tags {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO item_tags (category, name, tag_name, tag_value)
			VALUES (?, ?, ?, ?)
		`, rec.Category, rec.Key, name, value); err != nil {
			return fmt.Errorf("write tag %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqliteSession) Commit(_ context.Context) error {
	if s.done {
		return ErrTxDone
	}
	if s.tx == nil {
		return nil
	}
	defer s.finish()

	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteSession) Close() error {
	if s.done {
		return nil
	}
	if s.tx == nil {
		s.done = true
		return nil
	}
	defer s.finish()

	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (s *sqliteSession) finish() {
	s.done = true
	<-s.store.txSem
}
