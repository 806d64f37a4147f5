package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/kvstore"
	"github.com/mealhall/mealhall-core/logger"
	"github.com/mealhall/mealhall-core/metrics"
	"github.com/mealhall/mealhall-core/types"
)

func testPolicy() *types.CachePolicyConfig {
	return &types.CachePolicyConfig{
		EntityTTL: map[string]time.Duration{
			"product":  10 * time.Minute,
			"category": 30 * time.Minute,
			"setting":  time.Hour,
			"order":    time.Minute,
		},
		AggregateTTL: time.Minute,
		ResponseTTL:  30 * time.Second,
	}
}

func newTestService(t *testing.T) (*Service, types.KeyValueStore) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{StoreProducts, StoreSettings, StoreAPI, StoreSessions},
	})
	require.NoError(t, err)

	svc, err := NewService(kv, DefaultRules(), testPolicy(), log, metrics.NewNoopManager())
	require.NoError(t, err)
	return svc, kv
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := EntityKey(types.EntityProduct, "p1", "")

	var computes int32
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&computes, 1)
		return map[string]interface{}{"name": "soup"}, nil
	}

	var doc map[string]interface{}
	hit, err := svc.GetOrCompute(ctx, key, time.Minute, compute, &doc)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "soup", doc["name"])

	doc = nil
	hit, err = svc.GetOrCompute(ctx, key, time.Minute, compute, &doc)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "soup", doc["name"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&computes))
}

func TestGetOrComputeNeverCachesErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := EntityKey(types.EntityProduct, "p1", "")

	boom := errors.New("backend down")
	var calls int32
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	var doc map[string]interface{}
	_, err := svc.GetOrCompute(ctx, key, time.Minute, failing, &doc)
	require.ErrorIs(t, err, boom)

	// The failed result must not have been stored: the next call computes
	// again and succeeds.
	hit, err := svc.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) (interface{}, error) {
		return map[string]interface{}{"name": "stew"}, nil
	}, &doc)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "stew", doc["name"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := EntityKey(types.EntityProduct, "p1", "")

	var computes int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&computes, 1)
		<-release
		return map[string]interface{}{"name": "soup"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var doc map[string]interface{}
			_, errs[i] = svc.GetOrCompute(ctx, key, time.Minute, compute, &doc)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&computes), "concurrent misses must collapse to one compute")
}

func TestGetOrComputeEvictsUnreadableEntry(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()
	key := EntityKey(types.EntityProduct, "p1", "")

	require.NoError(t, kv.Set(ctx, key.Store, key.Key, []byte("not json{"), time.Minute))

	var doc map[string]interface{}
	hit, err := svc.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) (interface{}, error) {
		return map[string]interface{}{"name": "soup"}, nil
	}, &doc)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "soup", doc["name"])
}

func TestGetOrComputeEmptyKey(t *testing.T) {
	svc, _ := newTestService(t)

	var doc map[string]interface{}
	_, err := svc.GetOrCompute(context.Background(), types.CacheKey{Store: StoreProducts}, time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &doc)
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))
}

func TestInvalidateDropsEntityAndListKeys(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()

	seed := map[types.CacheKey][]byte{
		EntityKey(types.EntityProduct, "p1", ""): []byte(`{"a":1}`),
		ListKey(types.EntityProduct, ""):         []byte(`[1]`),
		ListKey(types.EntityProduct, "cat1"):     []byte(`[2]`),
		EntityKey(types.EntityProduct, "p2", ""): []byte(`{"b":2}`),
	}
	for key, value := range seed {
		require.NoError(t, kv.Set(ctx, key.Store, key.Key, value, time.Minute))
	}

	require.NoError(t, svc.Invalidate(ctx, types.EntityProduct, "p1"))

	_, found := kv.Get(ctx, StoreProducts, EntityKey(types.EntityProduct, "p1", "").Key)
	assert.False(t, found, "mutated entity key dropped")
	_, found = kv.Get(ctx, StoreProducts, ListKey(types.EntityProduct, "").Key)
	assert.False(t, found, "list keys dropped")
	_, found = kv.Get(ctx, StoreProducts, ListKey(types.EntityProduct, "cat1").Key)
	assert.False(t, found, "scoped list keys dropped")
	_, found = kv.Get(ctx, StoreProducts, EntityKey(types.EntityProduct, "p2", "").Key)
	assert.True(t, found, "sibling entity keys untouched")
}

func TestInvalidateSkipsAggregates(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()

	agg := AggregateKey(types.EntityProduct, "featured")
	require.NoError(t, kv.Set(ctx, agg.Store, agg.Key, []byte(`[1]`), time.Minute))

	require.NoError(t, svc.Invalidate(ctx, types.EntityProduct, "p1"))

	_, found := kv.Get(ctx, agg.Store, agg.Key)
	assert.True(t, found, "plain invalidation must not touch aggregates")

	require.NoError(t, svc.InvalidateAggregates(ctx, types.EntityProduct))

	_, found = kv.Get(ctx, agg.Store, agg.Key)
	assert.False(t, found)
}

// flakyKV fails every delete, as a redis backend mid-failover would.
type flakyKV struct {
	types.KeyValueStore
}

func (f *flakyKV) Delete(ctx context.Context, store, key string) error {
	return errors.New("connection refused")
}

func (f *flakyKV) DeleteByPrefix(ctx context.Context, store, prefix string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestInvalidateDegradesOnBackendFailure(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{StoreProducts, StoreSettings, StoreAPI, StoreSessions},
	})
	require.NoError(t, err)

	svc, err := NewService(&flakyKV{KeyValueStore: kv}, DefaultRules(), testPolicy(), log, metrics.NewNoopManager())
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, svc.Invalidate(ctx, types.EntityProduct, "p1"),
		"a failing cache backend must not abort the mutation")
	assert.NoError(t, svc.InvalidateAggregates(ctx, types.EntityProduct))
}

func TestInvalidateUnknownEntityType(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Invalidate(context.Background(), types.EntityType("widget"), "w1")
	assert.True(t, types.IsError(err, types.ErrCacheRuleMissing))
}

func TestEntityTTLFallback(t *testing.T) {
	svc, _ := newTestService(t)

	assert.Equal(t, 10*time.Minute, svc.EntityTTL(types.EntityProduct))
	assert.Equal(t, 30*time.Second, svc.EntityTTL(types.EntityType("widget")))
}

func TestWarmSkipsCachedKeys(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()

	cached := EntityKey(types.EntityProduct, "p1", "")
	require.NoError(t, kv.Set(ctx, cached.Store, cached.Key, []byte(`{"a":1}`), time.Minute))

	var computes int32
	keys := []types.WarmKey{
		{Key: cached, TTL: time.Minute, Compute: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&computes, 1)
			return map[string]interface{}{}, nil
		}},
		{Key: EntityKey(types.EntityProduct, "p2", ""), TTL: time.Minute, Compute: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&computes, 1)
			return map[string]interface{}{"b": 2}, nil
		}},
		{Key: EntityKey(types.EntityProduct, "p3", ""), TTL: time.Minute, Compute: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&computes, 1)
			return nil, errors.New("load failed")
		}},
	}

	warmed := svc.Warm(ctx, keys)
	assert.Equal(t, 1, warmed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&computes), "cached key skipped, failed key attempted")
}
