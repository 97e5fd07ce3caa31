package controlplane

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type harness struct {
	store   Store
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T) harness {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s := NewMemoryStore().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return harness{store: s, advance: func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}}
}

func newSQLiteHarness(t *testing.T) harness {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s := NewSQLStore(db, DialectSQLite).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return harness{store: s, advance: func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}}
}

func newRedisHarness(t *testing.T) harness {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return harness{store: s, advance: mr.FastForward}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	backends := map[string]func(t *testing.T) harness{
		"memory": newMemoryHarness,
		"sqlite": newSQLiteHarness,
		"redis":  newRedisHarness,
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, build(t))
		})
	}
}

func TestStore_AddRespectsLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := QuotaKey("t1", "sessions")

		v, ok, err := h.store.Add(ctx, key, 2, 3, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(2), v)

		v, ok, err = h.store.Add(ctx, key, 2, 3, 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(2), v)

		v, ok, err = h.store.Add(ctx, key, 1, 3, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(3), v)

		got, err := h.store.Counter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
	})
}

func TestStore_ReleaseFloorsAtZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := QuotaKey("t1", "artifact_bytes")

		_, _, err := h.store.Add(ctx, key, 5, 0, 0)
		require.NoError(t, err)
		v, ok, err := h.store.Add(ctx, key, -8, 0, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(0), v)
	})
}

func TestStore_WindowExpires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := QuotaWindowKey("t1", "actions_per_minute", 42)

		_, ok, err := h.store.Add(ctx, key, 1, 1, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = h.store.Add(ctx, key, 1, 1, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		h.advance(61 * time.Second)

		got, err := h.store.Counter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)

		_, ok, err = h.store.Add(ctx, key, 1, 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_CompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := BreakerKey("example.com")

		_, err := h.store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		first, ok, err := h.store.CompareAndSwap(ctx, key, 0, []byte(`{"state":"closed"}`), 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotZero(t, first.Version)

		_, ok, err = h.store.CompareAndSwap(ctx, key, 0, []byte(`{"state":"open"}`), 0)
		require.NoError(t, err)
		assert.False(t, ok, "create must fail when the record exists")

		second, ok, err := h.store.CompareAndSwap(ctx, key, first.Version, []byte(`{"state":"open"}`), 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, first.Version, second.Version)

		_, ok, err = h.store.CompareAndSwap(ctx, key, first.Version, []byte(`{"state":"half_open"}`), 0)
		require.NoError(t, err)
		assert.False(t, ok, "stale version must lose")

		got, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `{"state":"open"}`, string(got.Value))
		assert.Equal(t, second.Version, got.Version)

		deleted, err := h.store.CompareAndDelete(ctx, key, first.Version)
		require.NoError(t, err)
		assert.False(t, deleted)
		deleted, err = h.store.CompareAndDelete(ctx, key, second.Version)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = h.store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RecordExpiryAllowsReclaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := LeaseKey("t1", "wf1")

		held, ok, err := h.store.CompareAndSwap(ctx, key, 0, []byte("node-a"), 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = h.store.CompareAndSwap(ctx, key, 0, []byte("node-b"), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		h.advance(31 * time.Second)

		_, err = h.store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		_, ok, err = h.store.CompareAndSwap(ctx, key, 0, []byte("node-b"), 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		_, ok, err = h.store.CompareAndSwap(ctx, key, held.Version, []byte("node-a"), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "expired holder must not regain the record")
	})
}

func TestStore_ConcurrentAddNeverOvershoots(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := QuotaKey("t1", "sessions")
		const limit = 10

		var granted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := h.store.Add(ctx, key, 1, limit, 0)
				if err == nil && ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(limit), granted.Load())
		got, err := h.store.Counter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(limit), got)
	})
}
