package middleware

import (
	"sort"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	cachekeys "github.com/mealhall/mealhall-core/cache"
	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

const (
	cacheStatusHit  = "HIT"
	cacheStatusMiss = "MISS"
	cacheStatusSkip = "SKIP"
)

type CacheMiddleware struct {
	kv         types.KeyValueStore
	logger     types.Logger
	metrics    types.MetricsManager
	weight     int
	defaultTTL time.Duration
}

// cachedResponse is the stored shape of a response-cache entry. Only the
// parts a replay needs survive; other headers are request specific.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func NewCacheMiddleware(item *types.MiddlewareItemConfig, kv types.KeyValueStore, policy *types.CachePolicyConfig, logger types.Logger, metrics types.MetricsManager) *CacheMiddleware {
	return &CacheMiddleware{
		kv:         kv,
		logger:     logger,
		metrics:    metrics,
		weight:     item.Weight,
		defaultTTL: policy.ResponseTTL,
	}
}

func (c *CacheMiddleware) Name() string { return "cache" }
func (c *CacheMiddleware) Weight() int  { return c.weight }

// Handle serves full responses from the api store for cacheable GET routes.
// Privileged routes are never cached; an admin reading through a cached
// response is how stale diagnoses happen.
func (c *CacheMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !c.cacheable(ctx, config) {
		ctx.Response.Header.Set("X-Cache-Status", cacheStatusSkip)
		next(ctx)
		return
	}

	key := c.buildKey(ctx, config)
	ctx.Response.Header.Set("X-Cache-Key", key)

	if raw, found := c.kv.Get(ctx, cachekeys.StoreAPI, key); found {
		var cached cachedResponse
		if err := utils.Unmarshal(raw, &cached); err == nil {
			ctx.Response.Header.Set("X-Cache-Status", cacheStatusHit)
			ctx.Response.Header.SetContentType(cached.ContentType)
			ctx.SetStatusCode(cached.Status)
			ctx.SetBody(cached.Body)
			c.metrics.Counter("response_cache_total", map[string]string{"result": "hit"}).Inc()
			return
		}
		_ = c.kv.Delete(ctx, cachekeys.StoreAPI, key)
	}

	ctx.Response.Header.Set("X-Cache-Status", cacheStatusMiss)
	c.metrics.Counter("response_cache_total", map[string]string{"result": "miss"}).Inc()

	next(ctx)

	c.store(ctx, config, key)
}

func (c *CacheMiddleware) cacheable(ctx *fasthttp.RequestCtx, config *types.RouteConfig) bool {
	if !ctx.IsGet() {
		return false
	}
	if config == nil || config.Privileged {
		return false
	}
	return config.Cache != nil && config.Cache.Enabled
}

func (c *CacheMiddleware) store(ctx *fasthttp.RequestCtx, config *types.RouteConfig, key string) {
	status := ctx.Response.StatusCode()
	body := ctx.Response.Body()
	if status < 200 || status >= 300 || len(body) == 0 {
		return
	}

	cached := cachedResponse{
		Status:      status,
		ContentType: string(ctx.Response.Header.ContentType()),
		Body:        append([]byte(nil), body...),
	}

	encoded, err := utils.Marshal(cached)
	if err != nil {
		c.logger.Warn("response cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	ttl := c.defaultTTL
	if config.Cache.TTLSeconds > 0 {
		ttl = time.Duration(config.Cache.TTLSeconds) * time.Second
	}

	if err := c.kv.Set(ctx, cachekeys.StoreAPI, key, encoded, ttl); err != nil {
		c.logger.Warn("response cache store failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *CacheMiddleware) buildKey(ctx *fasthttp.RequestCtx, config *types.RouteConfig) string {
	caller := ""
	if config.Cache.VariesByUser {
		caller = string(ctx.Request.Header.Peek("X-User-ID"))
	}

	entityType := types.EntityType("")
	if len(config.Cache.EntityTypes) > 0 {
		entityType = config.Cache.EntityTypes[0]
	}

	return cachekeys.ResponseKey(entityType, string(ctx.Path()), normalizeQuery(ctx.QueryArgs()), caller)
}

// normalizeQuery sorts parameters so logically equivalent requests share one
// cache entry regardless of parameter order on the wire.
func normalizeQuery(args *fasthttp.Args) string {
	if args.Len() == 0 {
		return ""
	}

	pairs := make([]string, 0, args.Len())
	args.VisitAll(func(name, value []byte) {
		pairs = append(pairs, string(name)+"="+string(value))
	})
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
