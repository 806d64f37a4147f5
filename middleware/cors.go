package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

var (
	trueBytes     = []byte("true")
	asteriskBytes = []byte("*")
)

type CORSMiddleware struct {
	logger           types.Logger
	weight           int
	allowsAll        bool
	allowedOrigins   map[string]bool
	wildcardDomains  []string
	allowedMethods   []byte
	allowedHeaders   []byte
	exposedHeaders   []byte
	maxAge           []byte
	allowCredentials bool
}

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

func NewCORSMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CORSMiddleware {
	corsConfig := &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID", "X-Request-ID"},
		ExposedHeaders: []string{"X-Cache-Status", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         86400,
	}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, corsConfig); err != nil {
			logger.Error("Failed to unmarshal cors middleware config", zap.Error(err))
		}
	}

	cm := &CORSMiddleware{
		logger:           logger,
		weight:           item.Weight,
		allowCredentials: corsConfig.AllowCredentials,
		allowedMethods:   []byte(strings.Join(corsConfig.AllowedMethods, ", ")),
		allowedHeaders:   []byte(strings.Join(corsConfig.AllowedHeaders, ", ")),
		exposedHeaders:   []byte(strings.Join(corsConfig.ExposedHeaders, ", ")),
		maxAge:           []byte(strconv.Itoa(corsConfig.MaxAge)),
	}

	cm.allowsAll = len(corsConfig.AllowedOrigins) == 1 && corsConfig.AllowedOrigins[0] == "*"
	if !cm.allowsAll {
		cm.allowedOrigins = make(map[string]bool, len(corsConfig.AllowedOrigins))
		for _, origin := range corsConfig.AllowedOrigins {
			if strings.HasPrefix(origin, "*.") {
				cm.wildcardDomains = append(cm.wildcardDomains, strings.TrimPrefix(origin, "*."))
			} else {
				cm.allowedOrigins[origin] = true
			}
		}
	}

	return cm
}

func (c *CORSMiddleware) Name() string { return "cors" }
func (c *CORSMiddleware) Weight() int  { return c.weight }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	origin := ctx.Request.Header.Peek("Origin")
	if len(origin) == 0 {
		next(ctx)
		return
	}

	if !c.originAllowed(origin) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()))
		utils.WriteError(ctx, fasthttp.StatusForbidden, "cors_forbidden", "origin not allowed")
		return
	}

	if bytes.Equal(ctx.Method(), optionsMethod) {
		c.writePreflight(ctx, origin)
		return
	}

	c.setOriginHeaders(ctx, origin)
	if len(c.exposedHeaders) > 0 {
		ctx.Response.Header.SetBytesV("Access-Control-Expose-Headers", c.exposedHeaders)
	}
	ctx.Response.Header.Add("Vary", "Origin")

	next(ctx)
}

func (c *CORSMiddleware) originAllowed(origin []byte) bool {
	if c.allowsAll {
		return true
	}

	originStr := string(origin)
	if c.allowedOrigins[originStr] {
		return true
	}

	for _, domain := range c.wildcardDomains {
		if originStr == domain {
			return true
		}
		suffix := "." + domain
		if strings.HasSuffix(originStr, suffix) && len(originStr) > len(suffix) {
			return true
		}
	}
	return false
}

func (c *CORSMiddleware) setOriginHeaders(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowsAll {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
	}
	if c.allowCredentials {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Credentials", trueBytes)
	}
}

func (c *CORSMiddleware) writePreflight(ctx *fasthttp.RequestCtx, origin []byte) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	c.setOriginHeaders(ctx, origin)
	ctx.Response.Header.SetBytesV("Access-Control-Allow-Methods", c.allowedMethods)
	ctx.Response.Header.SetBytesV("Access-Control-Allow-Headers", c.allowedHeaders)
	ctx.Response.Header.SetBytesV("Access-Control-Max-Age", c.maxAge)
	ctx.Response.Header.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	ctx.SetBody(nil)
}
