package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/mealhall/mealhall-core/types"
)

func noop(*fasthttp.RequestCtx) {}

func lookupCtx(method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return ctx
}

func TestRouterStaticMatch(t *testing.T) {
	router := NewRouter()
	config := &types.RouteConfig{}
	require.NoError(t, router.Handle("GET", "/api/products", noop, config))

	handler, got := router.Lookup(lookupCtx("GET", "/api/products"))
	require.NotNil(t, handler)
	assert.Same(t, config, got)

	handler, _ = router.Lookup(lookupCtx("POST", "/api/products"))
	assert.Nil(t, handler, "method is part of the route")

	handler, _ = router.Lookup(lookupCtx("GET", "/api/categories"))
	assert.Nil(t, handler)
}

func TestRouterTrailingSlash(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("GET", "/api/products", noop, &types.RouteConfig{}))

	handler, _ := router.Lookup(lookupCtx("GET", "/api/products/"))
	assert.NotNil(t, handler)
}

func TestRouterPathParams(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("GET", "/api/products/{id}", noop, &types.RouteConfig{}))

	ctx := lookupCtx("GET", "/api/products/p123")
	handler, _ := router.Lookup(ctx)
	require.NotNil(t, handler)
	assert.Equal(t, "p123", ctx.UserValue("id"))

	handler, _ = router.Lookup(lookupCtx("GET", "/api/products/p123/extra"))
	assert.Nil(t, handler, "segment count must match")
}

func TestRouterStaticWinsOverParam(t *testing.T) {
	router := NewRouter()
	var matched string
	require.NoError(t, router.Handle("GET", "/api/products/{id}", func(*fasthttp.RequestCtx) { matched = "param" }, &types.RouteConfig{}))
	require.NoError(t, router.Handle("GET", "/api/products/featured", func(*fasthttp.RequestCtx) { matched = "static" }, &types.RouteConfig{}))

	handler, _ := router.Lookup(lookupCtx("GET", "/api/products/featured"))
	require.NotNil(t, handler)
	handler(nil)
	assert.Equal(t, "static", matched)
}

func TestRouterNestedParams(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("POST", "/admin/jobs/dead-letters/{id}/retry", noop, &types.RouteConfig{}))

	ctx := lookupCtx("POST", "/admin/jobs/dead-letters/j1/retry")
	handler, _ := router.Lookup(ctx)
	require.NotNil(t, handler)
	assert.Equal(t, "j1", ctx.UserValue("id"))
}

func TestRouterConflicts(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("GET", "/api/products", noop, &types.RouteConfig{}))

	err := router.Handle("GET", "/api/products", noop, &types.RouteConfig{})
	assert.True(t, types.IsError(err, types.ErrRouteConflict))

	require.NoError(t, router.Handle("GET", "/api/products/{id}", noop, &types.RouteConfig{}))
	err = router.Handle("GET", "/api/products/{id}", noop, &types.RouteConfig{})
	assert.True(t, types.IsError(err, types.ErrRouteConflict))

	err = router.Handle("GET", "/broken", nil, &types.RouteConfig{})
	assert.True(t, types.IsError(err, types.ErrHandlerIsNil))
}

func TestAPIAndAdminRoutesRegisterCleanly(t *testing.T) {
	router := NewRouter()
	require.NoError(t, NewAPI(nil, nil).Register(router))

	handler, config := router.Lookup(lookupCtx("GET", "/api/products/featured"))
	require.NotNil(t, handler)
	require.NotNil(t, config.Cache)
	assert.True(t, config.Cache.Enabled)

	handler, config = router.Lookup(lookupCtx("POST", "/api/orders"))
	require.NotNil(t, handler)
	assert.Nil(t, config.Cache, "mutations are not response cached")
}
