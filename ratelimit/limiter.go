package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

// CounterStore is the kv store holding the fixed-window counters. Counters
// share the session store because both are small, hot and disposable.
const CounterStore = "sessions"

const defaultRule = "default"

// Limiter implements fixed-window rate limiting on the shared KeyValueStore.
// One Increment per request is the whole protocol, so the counter stays
// correct across replicas when the store is redis. When the counter store is
// down the limiter allows the request; protecting availability of the API
// beats protecting quota accuracy.
type Limiter struct {
	kv             types.KeyValueStore
	logger         types.Logger
	metrics        types.MetricsManager
	rules          map[string]*types.RateRule
	authMultiplier int64
}

func NewLimiter(kv types.KeyValueStore, cfg *types.RateLimitConfig, logger types.Logger, metrics types.MetricsManager) (*Limiter, error) {
	if cfg.Rules[defaultRule] == nil {
		return nil, types.Errorf(types.ErrRouteRuleMissing, "rule %q must exist", defaultRule)
	}

	multiplier := cfg.AuthMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	return &Limiter{
		kv:             kv,
		logger:         logger,
		metrics:        metrics,
		rules:          cfg.Rules,
		authMultiplier: multiplier,
	}, nil
}

func (l *Limiter) Check(ctx context.Context, identity types.Identity, route string) types.RateDecision {
	rule := l.rules[route]
	if rule == nil {
		rule = l.rules[defaultRule]
	}

	limit := rule.Limit
	if identity.Authenticated {
		limit *= l.authMultiplier
	}

	window := time.Now().UnixMilli() / rule.Window.Milliseconds()
	key := fmt.Sprintf("rl:%s:%s:%d", route, identity.Key, window)

	count, err := l.kv.Increment(ctx, CounterStore, key, rule.Window)
	if err != nil {
		l.logger.Warn("rate counter unavailable, allowing request",
			zap.String("route", route), zap.Error(err))
		l.metrics.Counter("ratelimit_failopen_total", map[string]string{"route": route}).Inc()
		return types.RateDecision{Allowed: true, Limit: limit, Remaining: limit}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limit {
		retryAfter := l.windowRemaining(ctx, key, rule.Window)
		l.metrics.Counter("ratelimit_rejected_total", map[string]string{"route": route}).Inc()
		return types.RateDecision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retryAfter}
	}

	return types.RateDecision{Allowed: true, Limit: limit, Remaining: remaining}
}

// windowRemaining reads the counter's TTL to tell the client when the window
// resets. Falls back to the full window when the TTL is unreadable; an
// overestimate only makes the client politer.
func (l *Limiter) windowRemaining(ctx context.Context, key string, window time.Duration) time.Duration {
	if ttl, ok := l.kv.TTL(ctx, CounterStore, key); ok && ttl > 0 {
		return ttl
	}
	return window
}
