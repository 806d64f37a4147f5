package types

import "github.com/valyala/fasthttp"

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

// RouteConfig carries the per-route policy the middleware chain consults:
// which middlewares apply, whether the response may be cached and under what
// dependencies, and the rate-limit rule name.
type RouteConfig struct {
	Privileged bool
	Cache      *RouteCacheConfig
	RateLimit  *RouteRateConfig
}

type RouteCacheConfig struct {
	Enabled      bool
	TTLSeconds   int
	VariesByUser bool
	EntityTypes  []EntityType
}

type RouteRateConfig struct {
	Rule string
}

type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *RouteConfig)
	Name() string
	Weight() int
}

type MiddlewareEntry struct {
	Name       string
	Middleware Middleware
	Weight     int
}
