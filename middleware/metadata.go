package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// MetadataMiddleware stamps every request with a request id and resolves the
// real client address behind the proxy, so handlers and the logging middleware
// see one consistent identity per request.
type MetadataMiddleware struct {
	logger   types.Logger
	weight   int
	mdConfig *MetadataConfig
}

type MetadataConfig struct {
	GenerateRequestID bool `json:"generate_request_id"`
}

func NewMetadataMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *MetadataMiddleware {
	mdConfig := &MetadataConfig{GenerateRequestID: true}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, mdConfig); err != nil {
			logger.Error("Failed to unmarshal metadata middleware config", zap.Error(err))
		}
	}

	return &MetadataMiddleware{
		logger:   logger,
		weight:   item.Weight,
		mdConfig: mdConfig,
	}
}

func (m *MetadataMiddleware) Name() string { return "metadata" }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	if requestID == "" && m.mdConfig.GenerateRequestID {
		requestID = uuid.NewString()
		ctx.Request.Header.Set("X-Request-ID", requestID)
	}

	if requestID != "" {
		ctx.SetUserValue("request_id", requestID)
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	if userID := string(ctx.Request.Header.Peek("X-User-ID")); userID != "" {
		ctx.SetUserValue("user_id", userID)
	}

	ctx.SetUserValue("real_ip", realIP(ctx))

	next(ctx)
}

func realIP(ctx *fasthttp.RequestCtx) string {
	if real := string(ctx.Request.Header.Peek("X-Real-IP")); real != "" {
		return real
	}

	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return strings.TrimSpace(forwarded)
	}

	return ctx.RemoteIP().String()
}
