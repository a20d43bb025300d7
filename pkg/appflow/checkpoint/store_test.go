package checkpoint_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
)

type storeFactory func(t *testing.T) checkpoint.Store

func newMemory(t *testing.T) checkpoint.Store {
	return checkpoint.NewMemoryStore()
}

func newSQLite(t *testing.T) checkpoint.Store {
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "appflow.db"))
	require.NoError(t, err)
	return store
}

func newRedis(t *testing.T) checkpoint.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return checkpoint.NewRedisStore(client, checkpoint.WithPollInterval(5*time.Millisecond))
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("Save_and_Load", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := []byte(`{"key": "value"}`)
		require.NoError(t, store.Save(ctx, "thread-1", data))

		loaded, err := store.Load(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run("Load_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("Save_Overwrite", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "thread-1", []byte("first")))
		require.NoError(t, store.Save(ctx, "thread-1", []byte("second")))

		loaded, err := store.Load(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)
	})

	t.Run("List", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		infos, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)

		require.NoError(t, store.Save(ctx, "older", []byte("a")))
		require.NoError(t, store.Save(ctx, "older", []byte("abc")))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, store.Save(ctx, "newer", []byte("b")))

		infos, err = store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "newer", infos[0].ThreadID)
		assert.Equal(t, 1, infos[0].Sequence)
		assert.Equal(t, "older", infos[1].ThreadID)
		assert.Equal(t, 2, infos[1].Sequence)
		assert.Equal(t, int64(3), infos[1].Size)
		assert.False(t, infos[1].Timestamp.IsZero())
	})

	t.Run("Delete", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "thread-1", []byte("x")))
		require.NoError(t, store.Delete(ctx, "thread-1"))
		require.NoError(t, store.Delete(ctx, "thread-1"))

		_, err := store.Load(ctx, "thread-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		infos, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("TryLock_Exclusive", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		unlock, err := store.TryLock(ctx, "thread-1")
		require.NoError(t, err)

		_, err = store.TryLock(ctx, "thread-1")
		assert.ErrorIs(t, err, checkpoint.ErrLocked)

		other, err := store.TryLock(ctx, "thread-2")
		require.NoError(t, err, "locks are per thread")
		other()

		unlock()
		unlock() // idempotent

		again, err := store.TryLock(ctx, "thread-1")
		require.NoError(t, err)
		again()
	})

	t.Run("Lock_WaitsForRelease", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		unlock, err := store.Lock(ctx, "thread-1")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			second, err := store.Lock(ctx, "thread-1")
			if err == nil {
				close(acquired)
				second()
			}
		}()

		select {
		case <-acquired:
			t.Fatal("second Lock acquired while the first was held")
		case <-time.After(30 * time.Millisecond):
		}

		unlock()

		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("second Lock never acquired")
		}
	})

	t.Run("Lock_ContextCancelled", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		unlock, err := store.Lock(ctx, "thread-1")
		require.NoError(t, err)
		defer unlock()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = store.Lock(cctx, "thread-1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Lock_MutualExclusion", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := store.Lock(ctx, "shared")
				if err != nil {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, newMemory)
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, newSQLite)
}

func TestRedisStore(t *testing.T) {
	storeContractTest(t, newRedis)
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "thread-1", []byte("x")))
	assert.Equal(t, 1, store.Len())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(ctx, "thread-1", []byte("x")), checkpoint.ErrStoreClosed)
	_, err := store.Load(ctx, "thread-1")
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	data := []byte("original")
	require.NoError(t, store.Save(ctx, "thread-1", data))
	data[0] = 'X'

	loaded, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), loaded)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store1, err := checkpoint.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store1.Save(ctx, "thread-1", []byte("persistent")))
	require.NoError(t, store1.Close())

	store2, err := checkpoint.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	data, err := store2.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), data)
}

func TestSQLiteStore_History(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, store.Save(ctx, "thread-1", []byte(s)))
	}

	history, err := store.History(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, info := range history {
		assert.Equal(t, i+1, info.Sequence)
	}

	data, err := store.LoadSequence(ctx, "thread-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	_, err = store.LoadSequence(ctx, "thread-1", 9)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "thread-1"))
	history, err = store.History(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := checkpoint.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

// openRaw opens a second connection to a store's database file, standing in
// for another process.
func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	require.NoError(t, err)
	return db
}

func TestSQLiteStore_LockAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := checkpoint.NewSQLiteStore(path, checkpoint.WithSQLitePollInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer second.Close()

	unlock, err := first.TryLock(ctx, "t1")
	require.NoError(t, err)

	_, err = second.TryLock(ctx, "t1")
	assert.ErrorIs(t, err, checkpoint.ErrLocked)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = second.Lock(cctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := second.TryLock(ctx, "t2")
	require.NoError(t, err)
	other()

	acquired := make(chan checkpoint.Unlock)
	go func() {
		u, err := second.Lock(ctx, "t1")
		assert.NoError(t, err)
		acquired <- u
	}()

	unlock()
	select {
	case u := <-acquired:
		require.NotNil(t, u)
		u()
	case <-time.After(5 * time.Second):
		t.Fatal("second handle never acquired the released lock")
	}
}

func TestSQLiteStore_LockExpiresWithoutOwner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	store, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	raw := openRaw(t, path)

	// Simulate a crashed owner: the lease exists but nobody refreshes it.
	_, err = raw.Exec(`INSERT INTO thread_leases (thread_id, owner, expires_at) VALUES (?, ?, ?)`,
		"t1", "dead-owner", time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	_, err = store.TryLock(ctx, "t1")
	assert.ErrorIs(t, err, checkpoint.ErrLocked)

	_, err = raw.Exec(`UPDATE thread_leases SET expires_at = ? WHERE thread_id = ?`,
		time.Now().Add(-time.Second).UnixMilli(), "t1")
	require.NoError(t, err)

	unlock, err := store.TryLock(ctx, "t1")
	require.NoError(t, err)
	unlock()

	var n int
	require.NoError(t, raw.QueryRow(`SELECT COUNT(*) FROM thread_leases`).Scan(&n))
	assert.Zero(t, n)
}

func TestSQLiteStore_SaveAfterLockLost(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	store, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	raw := openRaw(t, path)

	unlock, err := store.TryLock(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "t1", []byte("mine")))

	// The lease expired and another process took it.
	_, err = raw.Exec(`UPDATE thread_leases SET owner = ? WHERE thread_id = ?`, "someone-else", "t1")
	require.NoError(t, err)

	err = store.Save(ctx, "t1", []byte("stale"))
	assert.ErrorIs(t, err, checkpoint.ErrLockLost)

	data, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), data)

	unlock()
	var owner string
	require.NoError(t, raw.QueryRow(`SELECT owner FROM thread_leases WHERE thread_id = ?`, "t1").Scan(&owner))
	assert.Equal(t, "someone-else", owner)
}

func TestSQLiteStore_CloseReleasesLocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	unlock, err := first.TryLock(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	unlock()

	second, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()
	again, err := second.TryLock(ctx, "t1")
	require.NoError(t, err)
	again()
}

func TestRedisStore_SaveAfterLockLost(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := checkpoint.NewRedisStore(client, checkpoint.WithLockTTL(time.Hour))

	unlock, err := store.TryLock(ctx, "thread-1")
	require.NoError(t, err)
	defer unlock()
	require.NoError(t, store.Save(ctx, "thread-1", []byte("mine")))

	require.NoError(t, mr.Set("appflow:lock:thread-1", "someone-else"))

	err = store.Save(ctx, "thread-1", []byte("stale"))
	assert.ErrorIs(t, err, checkpoint.ErrLockLost)

	data, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), data)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Sequence)

	// Threads this store never locked save as before.
	assert.NoError(t, store.Save(ctx, "thread-2", []byte("free")))
}

func TestRedisStore_LockExpiresWithoutOwner(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := checkpoint.NewRedisStore(client, checkpoint.WithLockTTL(time.Hour))

	// Simulate a crashed owner: the key exists but nobody refreshes it.
	require.NoError(t, client.Set(ctx, "appflow:lock:thread-1", "dead-owner", time.Second).Err())

	_, err := store.TryLock(ctx, "thread-1")
	assert.ErrorIs(t, err, checkpoint.ErrLocked)

	mr.FastForward(2 * time.Second)

	unlock, err := store.TryLock(ctx, "thread-1")
	require.NoError(t, err)
	unlock()

	assert.False(t, mr.Exists("appflow:lock:thread-1"))
}

func TestRedisStore_UnlockKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := checkpoint.NewRedisStore(client, checkpoint.WithLockTTL(time.Hour))

	unlock, err := store.TryLock(ctx, "thread-1")
	require.NoError(t, err)

	// Lock expired and someone else took it.
	require.NoError(t, mr.Set("appflow:lock:thread-1", "someone-else"))
	unlock()

	got, err := mr.Get("appflow:lock:thread-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisStore_Ping(t *testing.T) {
	store := newRedis(t).(*checkpoint.RedisStore)
	assert.NoError(t, store.Ping(context.Background()))
}
