package ratelimit

import (
	"context"
	"errors"
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

func testConfig() *types.RateLimitConfig {
	return &types.RateLimitConfig{
		Enabled:        true,
		AuthMultiplier: 5,
		Rules: map[string]*types.RateRule{
			"default": {Limit: 3, Window: time.Minute},
			"search":  {Limit: 1, Window: time.Minute},
		},
	}
}

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{CounterStore},
	})
	require.NoError(t, err)

	limiter, err := NewLimiter(kv, testConfig(), log, metrics.NewNoopManager())
	require.NoError(t, err)
	return limiter
}

func TestLimiterRequiresDefaultRule(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{CounterStore},
	})
	require.NoError(t, err)

	_, err = NewLimiter(kv, &types.RateLimitConfig{
		Rules: map[string]*types.RateRule{"search": {Limit: 1, Window: time.Minute}},
	}, log, metrics.NewNoopManager())
	assert.True(t, types.IsError(err, types.ErrRouteRuleMissing))
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	identity := types.Identity{Key: "ip:1.2.3.4"}

	for i := int64(0); i < 3; i++ {
		decision := limiter.Check(context.Background(), identity, "orders")
		assert.True(t, decision.Allowed)
		assert.Equal(t, int64(3), decision.Limit)
		assert.Equal(t, int64(2-i), decision.Remaining)
	}
}

func TestLimiterDeniesOverLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	identity := types.Identity{Key: "ip:1.2.3.4"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Check(ctx, identity, "orders").Allowed)
	}

	decision := limiter.Check(ctx, identity, "orders")
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Remaining)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestLimiterPerRouteRule(t *testing.T) {
	limiter := newTestLimiter(t)
	identity := types.Identity{Key: "ip:1.2.3.4"}
	ctx := context.Background()

	require.True(t, limiter.Check(ctx, identity, "search").Allowed)
	assert.False(t, limiter.Check(ctx, identity, "search").Allowed, "search rule caps at 1")

	assert.True(t, limiter.Check(ctx, identity, "orders").Allowed, "routes count separately")
}

func TestLimiterIdentitiesCountSeparately(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Check(ctx, types.Identity{Key: "ip:1.1.1.1"}, "orders").Allowed)
	}
	require.False(t, limiter.Check(ctx, types.Identity{Key: "ip:1.1.1.1"}, "orders").Allowed)

	assert.True(t, limiter.Check(ctx, types.Identity{Key: "ip:2.2.2.2"}, "orders").Allowed)
}

func TestLimiterAuthMultiplier(t *testing.T) {
	limiter := newTestLimiter(t)
	identity := types.Identity{Key: "u:42", Authenticated: true}
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		decision := limiter.Check(ctx, identity, "orders")
		require.True(t, decision.Allowed, "request %d within the raised limit", i)
		require.Equal(t, int64(15), decision.Limit)
	}
	assert.False(t, limiter.Check(ctx, identity, "orders").Allowed)
}

type brokenKV struct {
	types.KeyValueStore
}

func (brokenKV) Increment(context.Context, string, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestLimiterFailsOpen(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	limiter, err := NewLimiter(brokenKV{}, testConfig(), log, metrics.NewNoopManager())
	require.NoError(t, err)

	decision := limiter.Check(context.Background(), types.Identity{Key: "ip:1.2.3.4"}, "orders")
	assert.True(t, decision.Allowed, "counter outage must not reject traffic")
	assert.Equal(t, decision.Limit, decision.Remaining)
}
