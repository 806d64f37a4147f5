package observers

import (
	"context"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

// Observer reacts to one entity mutation. Observers run synchronously inside
// the mutating request so the client never reads its own stale write; anything
// slow goes through the job queue instead.
type Observer func(ctx context.Context, change *Change) error

// Change describes a single committed entity mutation. FromBatch is set when
// the change arrived as part of a bulk mutation; observers use it to defer
// batch-wide work to the batch observers, which run once.
type Change struct {
	EntityType  types.EntityType
	Event       types.EntityEvent
	ID          string
	DirtyFields []string
	FromBatch   bool
}

// Batch carries the aggregate view of a bulk mutation so batch observers can
// invalidate listings once per batch instead of once per entity.
type Batch struct {
	EntityType  types.EntityType
	Event       types.EntityEvent
	IDs         []string
	DirtyFields []string
}

type observerKey struct {
	entityType types.EntityType
	event      types.EntityEvent
}

// Dispatcher fans committed mutations out to the registered observers. All
// registration happens during wiring, before any Notify call, so the maps
// need no locking.
type Dispatcher struct {
	logger    types.Logger
	observers map[observerKey][]Observer
	batch     map[observerKey][]BatchObserver
}

type BatchObserver func(ctx context.Context, batch *Batch) error

func NewDispatcher(logger types.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		observers: make(map[observerKey][]Observer),
		batch:     make(map[observerKey][]BatchObserver),
	}
}

func (d *Dispatcher) On(entityType types.EntityType, event types.EntityEvent, obs Observer) {
	key := observerKey{entityType, event}
	d.observers[key] = append(d.observers[key], obs)
}

func (d *Dispatcher) OnBatch(entityType types.EntityType, event types.EntityEvent, obs BatchObserver) {
	key := observerKey{entityType, event}
	d.batch[key] = append(d.batch[key], obs)
}

// Notify runs every observer registered for the change. The first observer
// error aborts the chain and surfaces to the mutating request.
func (d *Dispatcher) Notify(ctx context.Context, change *Change) error {
	for _, obs := range d.observers[observerKey{change.EntityType, change.Event}] {
		if err := obs(ctx, change); err != nil {
			d.logger.Error("observer failed",
				zap.String("entity_type", string(change.EntityType)),
				zap.String("event", string(change.Event)),
				zap.String("id", change.ID),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// NotifyBatch runs per-entity observers for each id, then batch observers
// exactly once with the union of dirty fields.
func (d *Dispatcher) NotifyBatch(ctx context.Context, batch *Batch) error {
	for _, id := range batch.IDs {
		change := &Change{
			EntityType:  batch.EntityType,
			Event:       batch.Event,
			ID:          id,
			DirtyFields: batch.DirtyFields,
			FromBatch:   true,
		}
		for _, obs := range d.observers[observerKey{batch.EntityType, batch.Event}] {
			if err := obs(ctx, change); err != nil {
				return err
			}
		}
	}

	for _, obs := range d.batch[observerKey{batch.EntityType, batch.Event}] {
		if err := obs(ctx, batch); err != nil {
			d.logger.Error("batch observer failed",
				zap.String("entity_type", string(batch.EntityType)),
				zap.String("event", string(batch.Event)),
				zap.Int("ids", len(batch.IDs)),
				zap.Error(err))
			return err
		}
	}
	return nil
}
