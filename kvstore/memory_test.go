package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/logger"
	"github.com/mealhall/mealhall-core/types"
)

func newTestStore(t *testing.T, maxEntries int) types.KeyValueStore {
	t.Helper()

	store, err := NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.KVConfig{
		Type:   "memory",
		Stores: []string{"products", "sessions"},
		Config: map[string]interface{}{
			"max_entries": maxEntries,
		},
	})
	require.NoError(t, err)
	return store
}

func TestMemoryStoreSetGet(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "product:1", []byte(`{"name":"soup"}`), 0))

	value, found := store.Get(ctx, "products", "product:1")
	require.True(t, found)
	assert.Equal(t, []byte(`{"name":"soup"}`), value)

	_, found = store.Get(ctx, "products", "product:2")
	assert.False(t, found)
}

func TestMemoryStoreUnknownStore(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	err := store.Set(ctx, "nope", "k", []byte("v"), 0)
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrStoreUnknown))

	_, found := store.Get(ctx, "nope", "k")
	assert.False(t, found)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "short", []byte("v"), 20*time.Millisecond))

	_, found := store.Get(ctx, "products", "short")
	require.True(t, found)

	time.Sleep(40 * time.Millisecond)

	_, found = store.Get(ctx, "products", "short")
	assert.False(t, found, "expired entry must not be served")
}

func TestMemoryStoreDeleteByPrefix(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "product:1", []byte("a"), 0))
	require.NoError(t, store.Set(ctx, "products", "product:2", []byte("b"), 0))
	require.NoError(t, store.Set(ctx, "products", "category:1", []byte("c"), 0))

	deleted, err := store.DeleteByPrefix(ctx, "products", "product:")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found := store.Get(ctx, "products", "product:1")
	assert.False(t, found)
	_, found = store.Get(ctx, "products", "category:1")
	assert.True(t, found)
}

func TestMemoryStoreFlush(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "sessions", "b", []byte("2"), 0))

	require.NoError(t, store.Flush(ctx, "products"))

	_, found := store.Get(ctx, "products", "a")
	assert.False(t, found)
	_, found = store.Get(ctx, "sessions", "b")
	assert.True(t, found, "flush must be scoped to one store")
}

func TestMemoryStoreIncrement(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := store.Increment(ctx, "sessions", "rl:default:ip:1.2.3.4:100", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
}

func TestMemoryStoreIncrementWindowReset(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	count, err := store.Increment(ctx, "sessions", "counter", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = store.Increment(ctx, "sessions", "counter", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	time.Sleep(40 * time.Millisecond)

	count, err = store.Increment(ctx, "sessions", "counter", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired counter restarts at 1")
}

func TestMemoryStoreTTLRemaining(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "k", []byte("v"), time.Minute))

	remaining, found := store.TTL(ctx, "products", "k")
	require.True(t, found)
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)

	_, found = store.TTL(ctx, "products", "missing")
	assert.False(t, found)
}

func TestMemoryStoreEvictsOldestAtCapacity(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "first", []byte("1"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "products", "second", []byte("2"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "products", "third", []byte("3"), 0))

	_, found := store.Get(ctx, "products", "first")
	assert.False(t, found, "oldest entry evicted at capacity")
	_, found = store.Get(ctx, "products", "third")
	assert.True(t, found)

	stats, err := store.Stats(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Items)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestMemoryStoreStats(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products", "k", []byte("v"), 0))
	store.Get(ctx, "products", "k")
	store.Get(ctx, "products", "missing")

	stats, err := store.Stats(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
