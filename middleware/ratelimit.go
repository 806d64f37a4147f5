package middleware

import (
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type RateLimitMiddleware struct {
	limiter types.RateLimiter
	logger  types.Logger
	weight  int
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, limiter types.RateLimiter, logger types.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		weight:  item.Weight,
	}
}

func (rl *RateLimitMiddleware) Name() string { return "rate-limit" }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	route := string(ctx.Path())
	if config != nil && config.RateLimit != nil && config.RateLimit.Rule != "" {
		route = config.RateLimit.Rule
	}

	decision := rl.limiter.Check(ctx, identityFrom(ctx), route)

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

	if !decision.Allowed {
		retryAfter := int64(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		utils.WriteJSON(ctx, fasthttp.StatusTooManyRequests, map[string]interface{}{
			"error":       "too many requests",
			"code":        "rate_limit_exceeded",
			"retry_after": retryAfter,
		})
		return
	}

	next(ctx)
}

// identityFrom prefers the authenticated user id so one shared office IP does
// not pool everyone into a single quota. Anonymous traffic falls back to the
// client address.
func identityFrom(ctx *fasthttp.RequestCtx) types.Identity {
	if userID := ctx.Request.Header.Peek("X-User-ID"); len(userID) > 0 {
		return types.Identity{Key: "u:" + string(userID), Authenticated: true}
	}

	if forwarded := ctx.Request.Header.Peek("X-Forwarded-For"); len(forwarded) > 0 {
		addr := string(forwarded)
		for i := 0; i < len(addr); i++ {
			if addr[i] == ',' {
				addr = addr[:i]
				break
			}
		}
		return types.Identity{Key: "ip:" + addr}
	}

	return types.Identity{Key: "ip:" + ctx.RemoteIP().String()}
}
