package types

import (
	"context"
	"time"
)

type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityCategory EntityType = "category"
	EntitySetting  EntityType = "setting"
	EntityOrder    EntityType = "order"
)

type EntityEvent string

const (
	EventCreated  EntityEvent = "created"
	EventUpdated  EntityEvent = "updated"
	EventDeleted  EntityEvent = "deleted"
	EventRestored EntityEvent = "restored"
)

// ComputeFunc loads the value from the backing store on a cache miss. Errors
// propagate to the caller unmodified and are never cached.
type ComputeFunc func(ctx context.Context) (interface{}, error)

type CacheService interface {
	GetOrCompute(ctx context.Context, key CacheKey, ttl time.Duration, compute ComputeFunc, target interface{}) (bool, error)
	Invalidate(ctx context.Context, entityType EntityType, id string) error
	InvalidateAggregates(ctx context.Context, entityType EntityType) error
	EntityTTL(entityType EntityType) time.Duration
	Warm(ctx context.Context, keys []WarmKey) int
}

type CacheKey struct {
	Store string
	Key   string
}

type WarmKey struct {
	Key     CacheKey
	TTL     time.Duration
	Compute ComputeFunc
}

// InvalidationRule maps a mutated entity type to one cache-key pattern that
// must be deleted. A pattern ending in '*' is a prefix delete; the "{id}"
// placeholder expands to the mutated entity's id. Aggregate rules fire only
// when a dirty field participates in a computed listing.
type InvalidationRule struct {
	Store     string
	Pattern   string
	Aggregate bool
}
