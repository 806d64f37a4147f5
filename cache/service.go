package cache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type Service struct {
	kv      types.KeyValueStore
	logger  types.Logger
	metrics types.MetricsManager
	policy  *types.CachePolicyConfig
	rules   Rules
	group   singleflight.Group
}

func NewService(kv types.KeyValueStore, rules Rules, policy *types.CachePolicyConfig, logger types.Logger, metrics types.MetricsManager) (*Service, error) {
	if policy == nil || len(policy.EntityTTL) == 0 {
		return nil, types.ErrCachePolicyEmpty
	}

	if err := rules.Validate(policy, kv.Stores()); err != nil {
		return nil, types.WrapError(err, "cache rule validation")
	}

	return &Service{
		kv:      kv,
		logger:  logger,
		metrics: metrics,
		policy:  policy,
		rules:   rules,
	}, nil
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. Concurrent misses on the same key collapse to a single compute.
// Compute errors propagate to the caller and are never cached; a failed
// write-back is logged and the computed value still returned, so the cache
// degrades to a pass-through rather than an outage.
func (s *Service) GetOrCompute(ctx context.Context, key types.CacheKey, ttl time.Duration, compute types.ComputeFunc, target interface{}) (bool, error) {
	if key.Key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	if raw, found := s.kv.Get(ctx, key.Store, key.Key); found {
		if err := sonic.ConfigDefault.Unmarshal(raw, target); err == nil {
			s.metrics.Counter("cache_requests_total", map[string]string{"result": "hit"}).Inc()
			return true, nil
		}
		// Undecodable entry, likely a schema change. Drop it and recompute.
		s.logger.Warn("cache entry unreadable, evicting",
			zap.String("store", key.Store), zap.String("key", key.Key))
		_ = s.kv.Delete(ctx, key.Store, key.Key)
	}

	s.metrics.Counter("cache_requests_total", map[string]string{"result": "miss"}).Inc()

	raw, err, _ := s.group.Do(key.Store+"\x00"+key.Key, func() (interface{}, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		encoded, err := utils.Marshal(value)
		if err != nil {
			return nil, types.WrapError(err, "cache marshal")
		}

		if err := s.kv.Set(ctx, key.Store, key.Key, encoded, ttl); err != nil {
			s.logger.Warn("cache write-back failed",
				zap.String("store", key.Store), zap.String("key", key.Key), zap.Error(err))
		}
		return encoded, nil
	})
	if err != nil {
		return false, err
	}

	if err := sonic.ConfigDefault.Unmarshal(raw.([]byte), target); err != nil {
		return false, types.WrapError(err, "cache decode")
	}
	return false, nil
}

// Invalidate deletes the entity's own keys plus every non-aggregate rule for
// its type. Aggregate rules stay untouched; callers that know a listing moved
// follow up with InvalidateAggregates.
func (s *Service) Invalidate(ctx context.Context, entityType types.EntityType, id string) error {
	rules, exists := s.rules[entityType]
	if !exists {
		return types.Errorf(types.ErrCacheRuleMissing, "entity type: %s", entityType)
	}

	for _, rule := range rules {
		if rule.Aggregate {
			continue
		}
		s.apply(ctx, rule, id)
	}
	s.metrics.Counter("cache_invalidations_total", map[string]string{"entity_type": string(entityType)}).Inc()
	return nil
}

// InvalidateAggregates drops the computed listings for the entity type. Bulk
// mutations call this once per batch, not once per entity.
func (s *Service) InvalidateAggregates(ctx context.Context, entityType types.EntityType) error {
	rules, exists := s.rules[entityType]
	if !exists {
		return types.Errorf(types.ErrCacheRuleMissing, "entity type: %s", entityType)
	}

	for _, rule := range rules {
		if !rule.Aggregate {
			continue
		}
		s.apply(ctx, rule, "")
	}
	s.metrics.Counter("cache_aggregate_invalidations_total", map[string]string{"entity_type": string(entityType)}).Inc()
	return nil
}

// apply runs one rule against the store. Backend failures degrade to a warn
// log instead of propagating; an invalidation error never aborts the
// mutation that triggered it.
func (s *Service) apply(ctx context.Context, rule types.InvalidationRule, id string) {
	key, prefix := expandPattern(rule.Pattern, id)
	if prefix {
		deleted, err := s.kv.DeleteByPrefix(ctx, rule.Store, key)
		if err != nil {
			s.logger.Warn("cache invalidation degraded",
				zap.String("store", rule.Store), zap.String("prefix", key), zap.Error(err))
			s.metrics.Counter("cache_invalidation_failures_total", map[string]string{"store": rule.Store}).Inc()
			return
		}
		s.logger.Debug("cache prefix invalidated",
			zap.String("store", rule.Store), zap.String("prefix", key), zap.Int("deleted", deleted))
		return
	}

	if err := s.kv.Delete(ctx, rule.Store, key); err != nil {
		s.logger.Warn("cache invalidation degraded",
			zap.String("store", rule.Store), zap.String("key", key), zap.Error(err))
		s.metrics.Counter("cache_invalidation_failures_total", map[string]string{"store": rule.Store}).Inc()
	}
}

func (s *Service) EntityTTL(entityType types.EntityType) time.Duration {
	if ttl, exists := s.policy.EntityTTL[string(entityType)]; exists {
		return ttl
	}
	return s.policy.ResponseTTL
}

// Warm precomputes the given keys, skipping ones already cached. Failures are
// logged and skipped; warming is best effort and never blocks startup.
func (s *Service) Warm(ctx context.Context, keys []types.WarmKey) int {
	warmed := 0
	for _, wk := range keys {
		if _, found := s.kv.Get(ctx, wk.Key.Store, wk.Key.Key); found {
			continue
		}

		var discard interface{}
		if _, err := s.GetOrCompute(ctx, wk.Key, wk.TTL, wk.Compute, &discard); err != nil {
			s.logger.Warn("cache warm failed",
				zap.String("store", wk.Key.Store), zap.String("key", wk.Key.Key), zap.Error(err))
			continue
		}
		warmed++
	}
	return warmed
}
