package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) storage.Store

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLite", func(t *testing.T) storage.Store {
		s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	sess, err := s.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Insert(ctx, &storage.Record{Category: "c", Key: "k", Value: []byte("v")}))

	rec, err := sess.Fetch(ctx, "c", "k", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), rec.Value)
}

func TestBoltStore(t *testing.T) {
	storeContractTest(t, "Bolt", func(t *testing.T) storage.Store {
		s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "records.bolt"))
		require.NoError(t, err)
		return s
	})
}

func newRecord(key, state string) *storage.Record {
	return &storage.Record{
		Category: "revocation_reg_def",
		Key:      key,
		Value:    []byte("value-" + key),
		Tags:     map[string]string{"credDefId": "cd1", "state": state},
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	open := func(t *testing.T) (storage.Store, storage.Session) {
		store := factory(t)
		t.Cleanup(func() { store.Close() })
		sess, err := store.Session(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close() })
		return store, sess
	}

	t.Run(name+"/Insert_and_Fetch", func(t *testing.T) {
		_, sess := open(t)

		require.NoError(t, sess.Insert(ctx, newRecord("rr1", "finished")))

		rec, err := sess.Fetch(ctx, "revocation_reg_def", "rr1", false)
		require.NoError(t, err)
		assert.Equal(t, []byte("value-rr1"), rec.Value)
		assert.Equal(t, "finished", rec.Tags["state"])
	})

	t.Run(name+"/Fetch_NotFound", func(t *testing.T) {
		_, sess := open(t)

		_, err := sess.Fetch(ctx, "revocation_reg_def", "missing", false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.True(t, rrerrors.IsNotFound(err))
	})

	t.Run(name+"/Insert_Duplicate", func(t *testing.T) {
		_, sess := open(t)

		require.NoError(t, sess.Insert(ctx, newRecord("rr1", "finished")))
		assert.ErrorIs(t, sess.Insert(ctx, newRecord("rr1", "wait")), storage.ErrDuplicate)
	})

	t.Run(name+"/Replace_updates_tags", func(t *testing.T) {
		_, sess := open(t)

		require.NoError(t, sess.Insert(ctx, newRecord("rr1", "finished")))
		require.NoError(t, sess.Replace(ctx, newRecord("rr1", "full")))

		full, err := sess.FetchAll(ctx, "revocation_reg_def", storage.TagFilter{"state": "full"}, 0, false)
		require.NoError(t, err)
		require.Len(t, full, 1)

		finished, err := sess.FetchAll(ctx, "revocation_reg_def", storage.TagFilter{"state": "finished"}, 0, false)
		require.NoError(t, err)
		assert.Empty(t, finished)
	})

	t.Run(name+"/Replace_NotFound", func(t *testing.T) {
		_, sess := open(t)
		assert.ErrorIs(t, sess.Replace(ctx, newRecord("nope", "x")), storage.ErrNotFound)
	})

	t.Run(name+"/Remove", func(t *testing.T) {
		_, sess := open(t)

		require.NoError(t, sess.Insert(ctx, newRecord("rr1", "finished")))
		require.NoError(t, sess.Remove(ctx, "revocation_reg_def", "rr1"))

		_, err := sess.Fetch(ctx, "revocation_reg_def", "rr1", false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, sess.Remove(ctx, "revocation_reg_def", "rr1"), storage.ErrNotFound)
	})

	t.Run(name+"/FetchAll_filters_orders_and_limits", func(t *testing.T) {
		_, sess := open(t)

		require.NoError(t, sess.Insert(ctx, newRecord("rr3", "finished")))
		require.NoError(t, sess.Insert(ctx, newRecord("rr1", "finished")))
		require.NoError(t, sess.Insert(ctx, newRecord("rr2", "wait")))
		other := newRecord("rr4", "finished")
		other.Tags["credDefId"] = "cd2"
		require.NoError(t, sess.Insert(ctx, other))

		recs, err := sess.FetchAll(ctx, "revocation_reg_def",
			storage.TagFilter{"credDefId": "cd1", "state": "finished"}, 0, false)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "rr1", recs[0].Key)
		assert.Equal(t, "rr3", recs[1].Key)

		limited, err := sess.FetchAll(ctx, "revocation_reg_def", nil, 2, false)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		empty, err := sess.FetchAll(ctx, "unknown_category", nil, 0, false)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run(name+"/Transaction_commit", func(t *testing.T) {
		store, sess := open(t)

		tx, err := store.Transaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Insert(ctx, newRecord("rr1", "finished")))

		rec, err := tx.Fetch(ctx, "revocation_reg_def", "rr1", true)
		require.NoError(t, err, "transaction sees its own writes")
		assert.Equal(t, "finished", rec.Tags["state"])

		require.NoError(t, tx.Commit(ctx))
		require.NoError(t, tx.Close())

		_, err = sess.Fetch(ctx, "revocation_reg_def", "rr1", false)
		require.NoError(t, err)
	})

	t.Run(name+"/Transaction_close_discards", func(t *testing.T) {
		store, sess := open(t)

		tx, err := store.Transaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Insert(ctx, newRecord("rr1", "finished")))
		require.NoError(t, tx.Close())

		_, err = sess.Fetch(ctx, "revocation_reg_def", "rr1", false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run(name+"/Transaction_finished", func(t *testing.T) {
		store, _ := open(t)

		tx, err := store.Transaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		assert.ErrorIs(t, tx.Commit(ctx), storage.ErrTxDone)
		_, err = tx.Fetch(ctx, "revocation_reg_def", "rr1", false)
		assert.ErrorIs(t, err, storage.ErrTxDone)
		assert.NoError(t, tx.Close())
	})

	t.Run(name+"/Transactions_serialize", func(t *testing.T) {
		store, sess := open(t)

		require.NoError(t, sess.Insert(ctx, &storage.Record{Category: "counter", Key: "n", Value: []byte{0}}))

		const workers = 8
		var wg sync.WaitGroup
		var failures atomic.Int32
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, err := store.Transaction(ctx)
				if err != nil {
					failures.Add(1)
					return
				}
				defer tx.Close()

				rec, err := tx.Fetch(ctx, "counter", "n", true)
				if err != nil {
					failures.Add(1)
					return
				}
				time.Sleep(time.Millisecond)
				rec.Value = []byte{rec.Value[0] + 1}
				if err := tx.Replace(ctx, rec); err != nil {
					failures.Add(1)
					return
				}
				if err := tx.Commit(ctx); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Zero(t, failures.Load())
		rec, err := sess.Fetch(ctx, "counter", "n", false)
		require.NoError(t, err)
		assert.Equal(t, byte(workers), rec.Value[0], "no lost updates")
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())
		require.NoError(t, store.Close(), "close is idempotent")

		_, err := store.Session(ctx)
		assert.ErrorIs(t, err, storage.ErrClosed)
		_, err = store.Transaction(ctx)
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}

func TestOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")

	for _, driver := range []string{storage.DriverMemory, storage.DriverSQLite, storage.DriverBolt} {
		t.Run(driver, func(t *testing.T) {
			s, err := storage.Open(driver, dir, "tenant-a")
			require.NoError(t, err)
			defer s.Close()

			ctx := context.Background()
			sess, err := s.Session(ctx)
			require.NoError(t, err)
			defer sess.Close()
			assert.NoError(t, sess.Insert(ctx, newRecord("k", "FINISHED")))
		})
	}

	_, err := storage.Open("postgres", dir, "tenant-a")
	assert.ErrorContains(t, err, "unknown store driver")

	_, err = storage.Open(storage.DriverSQLite, dir, "")
	assert.Error(t, err)
}
