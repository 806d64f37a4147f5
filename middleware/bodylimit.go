package middleware

import (
	"bytes"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

var bodyMethods = [][]byte{
	[]byte("POST"),
	[]byte("PUT"),
	[]byte("PATCH"),
	[]byte("DELETE"),
}

// BodyLimitMiddleware rejects oversized request bodies before handlers decode
// them.
type BodyLimitMiddleware struct {
	logger  types.Logger
	weight  int
	maxSize int64
}

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

func NewBodyLimitMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *BodyLimitMiddleware {
	limitConfig := &BodyLimitConfig{MaxBodySize: 1024 * 1024}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, limitConfig); err != nil {
			logger.Error("Failed to unmarshal body limit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		logger:  logger,
		weight:  item.Weight,
		maxSize: limitConfig.MaxBodySize,
	}
}

func (bl *BodyLimitMiddleware) Name() string { return "body-limit" }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if !hasBody(ctx.Method()) {
		next(ctx)
		return
	}

	if length := ctx.Request.Header.ContentLength(); length > 0 && int64(length) > bl.maxSize {
		bl.reject(ctx)
		return
	}

	// Chunked requests carry no Content-Length; fasthttp has already buffered
	// the body at this point.
	if int64(len(ctx.PostBody())) > bl.maxSize {
		bl.reject(ctx)
		return
	}

	next(ctx)
}

func hasBody(method []byte) bool {
	for _, m := range bodyMethods {
		if bytes.Equal(method, m) {
			return true
		}
	}
	return false
}

func (bl *BodyLimitMiddleware) reject(ctx *fasthttp.RequestCtx) {
	bl.logger.Warn("Request body too large",
		zap.ByteString("path", ctx.Path()),
		zap.Int("content_length", ctx.Request.Header.ContentLength()),
		zap.Int64("max_size", bl.maxSize))

	ctx.SetConnectionClose()
	utils.WriteError(ctx, fasthttp.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds maximum size")
}
