package observers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/logger"
	"github.com/mealhall/mealhall-core/types"
)

func nopLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func TestNotifyRunsMatchingObservers(t *testing.T) {
	d := NewDispatcher(nopLogger())

	var productUpdates, productDeletes int32
	d.On(types.EntityProduct, types.EventUpdated, func(ctx context.Context, change *Change) error {
		atomic.AddInt32(&productUpdates, 1)
		return nil
	})
	d.On(types.EntityProduct, types.EventDeleted, func(ctx context.Context, change *Change) error {
		atomic.AddInt32(&productDeletes, 1)
		return nil
	})

	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType: types.EntityProduct,
		Event:      types.EventUpdated,
		ID:         "p1",
	}))

	assert.Equal(t, int32(1), productUpdates)
	assert.Equal(t, int32(0), productDeletes, "only the matching event fires")
}

func TestNotifyFirstErrorAborts(t *testing.T) {
	d := NewDispatcher(nopLogger())

	boom := errors.New("invalidate failed")
	var secondRan bool
	d.On(types.EntityProduct, types.EventUpdated, func(ctx context.Context, change *Change) error {
		return boom
	})
	d.On(types.EntityProduct, types.EventUpdated, func(ctx context.Context, change *Change) error {
		secondRan = true
		return nil
	})

	err := d.Notify(context.Background(), &Change{EntityType: types.EntityProduct, Event: types.EventUpdated, ID: "p1"})
	require.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
}

func TestNotifyBatchRunsPerEntityThenBatchOnce(t *testing.T) {
	d := NewDispatcher(nopLogger())

	var perEntity, batchRuns int32
	var sawFromBatch bool
	d.On(types.EntityProduct, types.EventUpdated, func(ctx context.Context, change *Change) error {
		atomic.AddInt32(&perEntity, 1)
		sawFromBatch = change.FromBatch
		return nil
	})
	d.OnBatch(types.EntityProduct, types.EventUpdated, func(ctx context.Context, batch *Batch) error {
		atomic.AddInt32(&batchRuns, 1)
		assert.Len(t, batch.IDs, 3)
		return nil
	})

	require.NoError(t, d.NotifyBatch(context.Background(), &Batch{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		IDs:         []string{"p1", "p2", "p3"},
		DirtyFields: []string{"price"},
	}))

	assert.Equal(t, int32(3), perEntity, "per-entity observer runs once per id")
	assert.Equal(t, int32(1), batchRuns, "batch observer runs exactly once")
	assert.True(t, sawFromBatch, "per-entity changes carry the batch flag")
}

type countingCache struct {
	invalidates          int32
	aggregateInvalidates int32
}

func (c *countingCache) GetOrCompute(context.Context, types.CacheKey, time.Duration, types.ComputeFunc, interface{}) (bool, error) {
	return false, nil
}

func (c *countingCache) Invalidate(context.Context, types.EntityType, string) error {
	atomic.AddInt32(&c.invalidates, 1)
	return nil
}

func (c *countingCache) InvalidateAggregates(context.Context, types.EntityType) error {
	atomic.AddInt32(&c.aggregateInvalidates, 1)
	return nil
}

func (c *countingCache) EntityTTL(types.EntityType) time.Duration { return time.Minute }

func (c *countingCache) Warm(context.Context, []types.WarmKey) int { return 0 }

func TestCacheObserverSingleUpdate(t *testing.T) {
	d := NewDispatcher(nopLogger())
	svc := &countingCache{}
	RegisterCacheObservers(d, svc)

	// Update touching an aggregate field drops entity keys and aggregates.
	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		ID:          "p1",
		DirtyFields: []string{"price"},
	}))
	assert.Equal(t, int32(1), svc.invalidates)
	assert.Equal(t, int32(1), svc.aggregateInvalidates)

	// Update touching nothing aggregate-relevant leaves aggregates alone.
	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		ID:          "p2",
		DirtyFields: []string{"description"},
	}))
	assert.Equal(t, int32(2), svc.invalidates)
	assert.Equal(t, int32(1), svc.aggregateInvalidates)
}

func TestCacheObserverCreateAlwaysDropsAggregates(t *testing.T) {
	d := NewDispatcher(nopLogger())
	svc := &countingCache{}
	RegisterCacheObservers(d, svc)

	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType: types.EntityProduct,
		Event:      types.EventCreated,
		ID:         "p1",
	}))
	assert.Equal(t, int32(1), svc.aggregateInvalidates, "creation changes listing membership")
}

func TestCacheObserverBatchInvalidatesAggregatesOnce(t *testing.T) {
	d := NewDispatcher(nopLogger())
	svc := &countingCache{}
	RegisterCacheObservers(d, svc)

	require.NoError(t, d.NotifyBatch(context.Background(), &Batch{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		IDs:         []string{"p1", "p2", "p3", "p4"},
		DirtyFields: []string{"price"},
	}))

	assert.Equal(t, int32(4), svc.invalidates, "entity keys dropped per id")
	assert.Equal(t, int32(1), svc.aggregateInvalidates, "aggregates dropped once per batch")
}

func TestCacheObserverBatchWithoutAggregateFields(t *testing.T) {
	d := NewDispatcher(nopLogger())
	svc := &countingCache{}
	RegisterCacheObservers(d, svc)

	require.NoError(t, d.NotifyBatch(context.Background(), &Batch{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		IDs:         []string{"p1", "p2"},
		DirtyFields: []string{"description"},
	}))

	assert.Equal(t, int32(2), svc.invalidates)
	assert.Equal(t, int32(0), svc.aggregateInvalidates)
}
