package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/cache"
	"github.com/mealhall/mealhall-core/observers"
	"github.com/mealhall/mealhall-core/types"
)

const (
	CollectionProducts   = "products"
	CollectionCategories = "categories"
	CollectionSettings   = "settings"
	CollectionOrders     = "orders"
)

// Service is the admin-facing domain layer: reads go through the cache,
// mutations hit the document store and then notify the observer dispatcher
// synchronously, so a client that just wrote sees its write on the next read.
type Service struct {
	store      types.DocumentStore
	cache      types.CacheService
	dispatcher *observers.Dispatcher
	logger     types.Logger
}

func NewService(store types.DocumentStore, cacheService types.CacheService, dispatcher *observers.Dispatcher, logger types.Logger) *Service {
	return &Service{
		store:      store,
		cache:      cacheService,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func collectionFor(entityType types.EntityType) string {
	switch entityType {
	case types.EntityCategory:
		return CollectionCategories
	case types.EntitySetting:
		return CollectionSettings
	case types.EntityOrder:
		return CollectionOrders
	default:
		return CollectionProducts
	}
}

// GetEntity is the read-through single-entity lookup.
func (s *Service) GetEntity(ctx context.Context, entityType types.EntityType, id string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	key := cache.EntityKey(entityType, id, "")

	_, err := s.cache.GetOrCompute(ctx, key, s.cache.EntityTTL(entityType), func(ctx context.Context) (interface{}, error) {
		return s.store.Get(ctx, collectionFor(entityType), id)
	}, &doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListEntities returns the full collection listing, optionally scoped (for
// products, by category id).
func (s *Service) ListEntities(ctx context.Context, entityType types.EntityType, scope string) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	key := cache.ListKey(entityType, scope)

	filter := map[string]interface{}{}
	if entityType == types.EntityProduct && scope != "" {
		filter["category_id"] = scope
	}

	_, err := s.cache.GetOrCompute(ctx, key, s.cache.EntityTTL(entityType), func(ctx context.Context) (interface{}, error) {
		return s.store.Query(ctx, collectionFor(entityType), filter, 0)
	}, &docs)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// SearchEntities caches filtered lookups under a query fingerprint, so every
// distinct filter combination gets its own entry without enumerating them in
// the key builders.
func (s *Service) SearchEntities(ctx context.Context, entityType types.EntityType, filters map[string]string) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	key := cache.QueryKey(entityType, filters, "")

	filter := make(map[string]interface{}, len(filters))
	for name, value := range filters {
		filter[name] = value
	}

	_, err := s.cache.GetOrCompute(ctx, key, s.cache.EntityTTL(entityType), func(ctx context.Context) (interface{}, error) {
		return s.store.Query(ctx, collectionFor(entityType), filter, 0)
	}, &docs)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// FeaturedProducts is a computed aggregate: short TTL, invalidated whenever a
// product mutation touches an aggregate field.
func (s *Service) FeaturedProducts(ctx context.Context) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	key := cache.AggregateKey(types.EntityProduct, "featured")

	_, err := s.cache.GetOrCompute(ctx, key, s.cache.EntityTTL(types.EntityProduct), func(ctx context.Context) (interface{}, error) {
		return s.store.Query(ctx, CollectionProducts, map[string]interface{}{
			"is_featured": true,
			"status":      "active",
		}, 0)
	}, &docs)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Service) CreateEntity(ctx context.Context, entityType types.EntityType, doc map[string]interface{}) (string, error) {
	id, err := s.store.Insert(ctx, collectionFor(entityType), doc)
	if err != nil {
		return "", err
	}

	if err := s.dispatcher.Notify(ctx, &observers.Change{
		EntityType: entityType,
		Event:      types.EventCreated,
		ID:         id,
	}); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Service) UpdateEntity(ctx context.Context, entityType types.EntityType, id string, fields map[string]interface{}) error {
	if err := s.store.Update(ctx, collectionFor(entityType), id, fields); err != nil {
		return err
	}

	return s.dispatcher.Notify(ctx, &observers.Change{
		EntityType:  entityType,
		Event:       types.EventUpdated,
		ID:          id,
		DirtyFields: fieldNames(fields),
	})
}

func (s *Service) DeleteEntity(ctx context.Context, entityType types.EntityType, id string) error {
	if err := s.store.Update(ctx, collectionFor(entityType), id, map[string]interface{}{
		"status": "deleted",
	}); err != nil {
		return err
	}

	return s.dispatcher.Notify(ctx, &observers.Change{
		EntityType: entityType,
		Event:      types.EventDeleted,
		ID:         id,
	})
}

func (s *Service) RestoreEntity(ctx context.Context, entityType types.EntityType, id string) error {
	if err := s.store.Update(ctx, collectionFor(entityType), id, map[string]interface{}{
		"status": "active",
	}); err != nil {
		return err
	}

	return s.dispatcher.Notify(ctx, &observers.Change{
		EntityType: entityType,
		Event:      types.EventRestored,
		ID:         id,
	})
}

// BulkUpdate applies one field set to many entities, then notifies observers
// as a batch so aggregate invalidation happens once regardless of batch size.
func (s *Service) BulkUpdate(ctx context.Context, entityType types.EntityType, ids []string, fields map[string]interface{}) (int64, error) {
	updated, err := s.store.UpdateMany(ctx, collectionFor(entityType), ids, fields)
	if err != nil {
		return 0, err
	}

	if err := s.dispatcher.NotifyBatch(ctx, &observers.Batch{
		EntityType:  entityType,
		Event:       types.EventUpdated,
		IDs:         ids,
		DirtyFields: fieldNames(fields),
	}); err != nil {
		s.logger.ErrorWithCause("bulk update observers failed", err,
			zap.String("entity_type", string(entityType)),
			zap.Int("ids", len(ids)))
		return updated, err
	}
	return updated, nil
}

// WarmEntities pre-populates the entity cache for a set of ids. Keys that are
// already cached are skipped; load failures are logged by the cache layer and
// do not abort the rest of the batch.
func (s *Service) WarmEntities(ctx context.Context, entityType types.EntityType, ids []string) int {
	keys := make([]types.WarmKey, 0, len(ids))
	for _, id := range ids {
		id := id
		keys = append(keys, types.WarmKey{
			Key: cache.EntityKey(entityType, id, ""),
			TTL: s.cache.EntityTTL(entityType),
			Compute: func(ctx context.Context) (interface{}, error) {
				return s.store.Get(ctx, collectionFor(entityType), id)
			},
		})
	}
	return s.cache.Warm(ctx, keys)
}

func fieldNames(fields map[string]interface{}) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}
