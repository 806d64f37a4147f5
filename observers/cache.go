package observers

import (
	"context"

	"github.com/mealhall/mealhall-core/cache"
	"github.com/mealhall/mealhall-core/types"
)

var allEvents = []types.EntityEvent{
	types.EventCreated,
	types.EventUpdated,
	types.EventDeleted,
	types.EventRestored,
}

// RegisterCacheObservers wires cache invalidation for every cached entity
// type. Per-entity keys are dropped on every mutation; aggregates only when
// the mutation can move the entity in or out of a computed listing. Batches
// drop aggregates exactly once, from the batch observer.
func RegisterCacheObservers(d *Dispatcher, svc types.CacheService) {
	for entityType := range cache.AggregateFields {
		et := entityType
		for _, event := range allEvents {
			d.On(et, event, func(ctx context.Context, change *Change) error {
				if err := svc.Invalidate(ctx, change.EntityType, change.ID); err != nil {
					return err
				}
				if !change.FromBatch && affectsAggregates(change.Event, change.EntityType, change.DirtyFields) {
					return svc.InvalidateAggregates(ctx, change.EntityType)
				}
				return nil
			})

			d.OnBatch(et, event, func(ctx context.Context, batch *Batch) error {
				if affectsAggregates(batch.Event, batch.EntityType, batch.DirtyFields) {
					return svc.InvalidateAggregates(ctx, batch.EntityType)
				}
				return nil
			})
		}
	}
}

// Create, delete and restore always change listing membership. An update only
// does when a dirty field participates in an aggregate.
func affectsAggregates(event types.EntityEvent, entityType types.EntityType, dirtyFields []string) bool {
	if event != types.EventUpdated {
		return true
	}
	return cache.TouchesAggregates(entityType, dirtyFields)
}
