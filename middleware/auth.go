package middleware

import (
	"bytes"
	"crypto/subtle"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

var (
	bearerPrefix  = []byte("Bearer ")
	optionsMethod = []byte("OPTIONS")
)

// AuthMiddleware guards privileged routes with a static admin token. The
// public catalog surface passes through untouched.
type AuthMiddleware struct {
	logger     types.Logger
	metrics    types.MetricsManager
	authConfig *AuthConfig
	token      []byte
	weight     int
}

type AuthConfig struct {
	Token  string `json:"token"`
	Header string `json:"header"`
}

func NewAuthMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*AuthMiddleware, error) {
	authConfig := &AuthConfig{Header: "Authorization"}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, authConfig); err != nil {
			logger.Error("Failed to unmarshal auth middleware config", zap.Error(err))
			return nil, err
		}
	}

	if authConfig.Token == "" {
		return nil, types.NewErrorf("auth middleware enabled without a token")
	}

	return &AuthMiddleware{
		logger:     logger,
		metrics:    metrics,
		authConfig: authConfig,
		token:      []byte(authConfig.Token),
		weight:     item.Weight,
	}, nil
}

func (a *AuthMiddleware) Name() string { return "auth" }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if config == nil || !config.Privileged {
		next(ctx)
		return
	}

	if bytes.Equal(ctx.Method(), optionsMethod) {
		next(ctx)
		return
	}

	presented := ctx.Request.Header.Peek(a.authConfig.Header)
	if bytes.HasPrefix(presented, bearerPrefix) {
		presented = presented[len(bearerPrefix):]
	}

	if subtle.ConstantTimeCompare(presented, a.token) == 1 {
		next(ctx)
		return
	}

	a.logger.Warn("Admin authentication failed",
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()))
	a.metrics.Counter("http_auth_failures_total", map[string]string{"path": string(ctx.Path())}).Inc()

	utils.WriteError(ctx, fasthttp.StatusUnauthorized, "unauthorized", "authentication required")
}
