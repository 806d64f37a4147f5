package middleware

import (
	"runtime"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type RecoveryMiddleware struct {
	logger       types.Logger
	metrics      types.MetricsManager
	weight       int
	stackTrace   bool
	stackBufPool sync.Pool
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	recoveryConfig := &RecoveryConfig{StackTrace: true}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		logger:     logger,
		metrics:    metrics,
		weight:     item.Weight,
		stackTrace: recoveryConfig.StackTrace,
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 8192)
				return &buf
			},
		},
	}
}

func (r *RecoveryMiddleware) Name() string { return "recovery" }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			fields := []zap.Field{
				zap.Any("panic", rec),
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.String("remote_addr", ctx.RemoteIP().String()),
			}
			if r.stackTrace {
				fields = append(fields, zap.String("stack", r.getStackTrace()))
			}
			r.logger.Error("Recovered from panic", fields...)
			r.metrics.Counter("http_panics_total", map[string]string{"path": string(ctx.Path())}).Inc()

			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "internal_error", "internal server error")
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) getStackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	if n == len(*buf) {
		big := make([]byte, 65536)
		n = runtime.Stack(big, false)
		return string(big[:n])
	}
	return string((*buf)[:n])
}
