package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/cache"
	"github.com/mealhall/mealhall-core/kvstore"
	"github.com/mealhall/mealhall-core/logger"
	"github.com/mealhall/mealhall-core/metrics"
	"github.com/mealhall/mealhall-core/types"
)

func newCacheMiddleware(t *testing.T) (*CacheMiddleware, types.KeyValueStore) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{cache.StoreAPI},
	})
	require.NoError(t, err)

	mw := NewCacheMiddleware(&types.MiddlewareItemConfig{Enabled: true, Weight: 40}, kv, &types.CachePolicyConfig{
		EntityTTL:   map[string]time.Duration{"product": time.Minute},
		ResponseTTL: 30 * time.Second,
	}, log, metrics.NewNoopManager())
	return mw, kv
}

func getRequestCtx(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func cachedRoute() *types.RouteConfig {
	return &types.RouteConfig{Cache: &types.RouteCacheConfig{Enabled: true}}
}

func TestCacheMiddlewareMissThenHit(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	handlerCalls := 0
	handler := func(ctx *fasthttp.RequestCtx) {
		handlerCalls++
		ctx.Response.Header.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"data":[1,2,3]}`)
	}

	first := getRequestCtx("GET", "/api/products?category=c1")
	mw.Handle(first, handler, cachedRoute())
	assert.Equal(t, "MISS", string(first.Response.Header.Peek("X-Cache-Status")))
	assert.NotEmpty(t, first.Response.Header.Peek("X-Cache-Key"))
	require.Equal(t, 1, handlerCalls)

	second := getRequestCtx("GET", "/api/products?category=c1")
	mw.Handle(second, handler, cachedRoute())
	assert.Equal(t, "HIT", string(second.Response.Header.Peek("X-Cache-Status")))
	assert.Equal(t, 1, handlerCalls, "hit must not reach the handler")
	assert.Equal(t, `{"data":[1,2,3]}`, string(second.Response.Body()))
	assert.Equal(t, "application/json", string(second.Response.Header.ContentType()))
	assert.Equal(t,
		first.Response.Header.Peek("X-Cache-Key"),
		second.Response.Header.Peek("X-Cache-Key"))
}

func TestCacheMiddlewareQueryStringsSeparateEntries(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	handler := func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(string(ctx.QueryArgs().Peek("category")))
	}

	first := getRequestCtx("GET", "/api/products?category=c1")
	mw.Handle(first, handler, cachedRoute())
	second := getRequestCtx("GET", "/api/products?category=c2")
	mw.Handle(second, handler, cachedRoute())

	assert.Equal(t, "MISS", string(second.Response.Header.Peek("X-Cache-Status")))
	assert.Equal(t, "c2", string(second.Response.Body()))
}

func TestCacheMiddlewareSkipsNonGET(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	ctx := getRequestCtx("POST", "/api/products")
	mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusCreated)
	}, cachedRoute())

	assert.Equal(t, "SKIP", string(ctx.Response.Header.Peek("X-Cache-Status")))
	assert.Empty(t, ctx.Response.Header.Peek("X-Cache-Key"))
}

func TestCacheMiddlewareSkipsPrivilegedRoutes(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	config := &types.RouteConfig{
		Privileged: true,
		Cache:      &types.RouteCacheConfig{Enabled: true},
	}

	ctx := getRequestCtx("GET", "/admin/cache/stats")
	mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("{}")
	}, config)

	assert.Equal(t, "SKIP", string(ctx.Response.Header.Peek("X-Cache-Status")))
}

func TestCacheMiddlewareDoesNotStoreErrors(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	calls := 0
	failing := func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"boom"}`)
	}

	mw.Handle(getRequestCtx("GET", "/api/products"), failing, cachedRoute())

	retry := getRequestCtx("GET", "/api/products")
	mw.Handle(retry, failing, cachedRoute())
	assert.Equal(t, "MISS", string(retry.Response.Header.Peek("X-Cache-Status")))
	assert.Equal(t, 2, calls, "error responses must not be replayed")
}

func TestCacheMiddlewareDoesNotStoreEmptyBodies(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	calls := 0
	empty := func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}

	mw.Handle(getRequestCtx("GET", "/api/products"), empty, cachedRoute())
	mw.Handle(getRequestCtx("GET", "/api/products"), empty, cachedRoute())
	assert.Equal(t, 2, calls)
}

func TestCacheMiddlewareVariesByUser(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	config := &types.RouteConfig{
		Cache: &types.RouteCacheConfig{Enabled: true, VariesByUser: true},
	}
	handler := func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("user:" + string(ctx.Request.Header.Peek("X-User-ID")))
	}

	alice := getRequestCtx("GET", "/api/orders")
	alice.Request.Header.Set("X-User-ID", "alice")
	mw.Handle(alice, handler, config)

	bob := getRequestCtx("GET", "/api/orders")
	bob.Request.Header.Set("X-User-ID", "bob")
	mw.Handle(bob, handler, config)

	assert.Equal(t, "MISS", string(bob.Response.Header.Peek("X-Cache-Status")))
	assert.Equal(t, "user:bob", string(bob.Response.Body()))
	assert.NotEqual(t,
		alice.Response.Header.Peek("X-Cache-Key"),
		bob.Response.Header.Peek("X-Cache-Key"))
}

func TestCacheMiddlewareParamOrderSharesEntry(t *testing.T) {
	mw, _ := newCacheMiddleware(t)

	calls := 0
	handler := func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	}

	first := getRequestCtx("GET", "/api/products?category=c1&status=active")
	mw.Handle(first, handler, cachedRoute())

	reordered := getRequestCtx("GET", "/api/products?status=active&category=c1")
	mw.Handle(reordered, handler, cachedRoute())

	assert.Equal(t, "HIT", string(reordered.Response.Header.Peek("X-Cache-Status")))
	assert.Equal(t, 1, calls, "parameter order must not split the cache entry")
	assert.Equal(t,
		first.Response.Header.Peek("X-Cache-Key"),
		reordered.Response.Header.Peek("X-Cache-Key"))
}

// TestCacheMiddlewareEvictedAfterEntityInvalidation drives the full stale-read
// path: a cached response must drop when the entity it serializes mutates,
// with nothing but the invalidation rules in between.
func TestCacheMiddlewareEvictedAfterEntityInvalidation(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	kv, err := kvstore.NewMemoryStore(context.Background(), log, &types.KVConfig{
		Type:   "memory",
		Stores: []string{cache.StoreProducts, cache.StoreSettings, cache.StoreAPI, cache.StoreSessions},
	})
	require.NoError(t, err)

	policy := &types.CachePolicyConfig{
		EntityTTL:   map[string]time.Duration{"product": time.Minute},
		ResponseTTL: 30 * time.Second,
	}
	svc, err := cache.NewService(kv, cache.DefaultRules(), policy, log, metrics.NewNoopManager())
	require.NoError(t, err)

	mw := NewCacheMiddleware(&types.MiddlewareItemConfig{Enabled: true, Weight: 40}, kv, policy, log, metrics.NewNoopManager())

	price := `100`
	handler := func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"id":"42","price":` + price + `}`)
	}
	route := &types.RouteConfig{
		Cache: &types.RouteCacheConfig{Enabled: true, EntityTypes: []types.EntityType{types.EntityProduct}},
	}

	first := getRequestCtx("GET", "/api/products/42")
	mw.Handle(first, handler, route)
	require.Equal(t, "MISS", string(first.Response.Header.Peek("X-Cache-Status")))

	// The write path: store mutated, observers invalidate.
	price = `250`
	require.NoError(t, svc.Invalidate(context.Background(), types.EntityProduct, "42"))
	require.NoError(t, svc.InvalidateAggregates(context.Background(), types.EntityProduct))

	second := getRequestCtx("GET", "/api/products/42")
	mw.Handle(second, handler, route)
	assert.Equal(t, "MISS", string(second.Response.Header.Peek("X-Cache-Status")))
	assert.Contains(t, string(second.Response.Body()), `"price":250`)
}
