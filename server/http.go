package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/middleware"
	"github.com/mealhall/mealhall-core/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type HTTPServer struct {
	config          *types.ServerConfig
	logger          types.Logger
	metrics         types.MetricsManager
	middlewares     *middleware.Manager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(config *types.ServerConfig, router *Router, middlewares *middleware.Manager, logger types.Logger, metrics types.MetricsManager) *HTTPServer {
	shutdownTimeout := time.Duration(config.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	server := &HTTPServer{
		config:          config,
		logger:          logger,
		metrics:         metrics,
		middlewares:     middlewares,
		router:          router,
		shutdownTimeout: shutdownTimeout,
	}
	server.state.Store(StateStopped)
	return server
}

func (h *HTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if h.getState() == StateStarting {
			h.setState(StateRunning)
		}
	}()

	h.server = &fasthttp.Server{
		Handler:                      h.mainHandler(),
		ReadTimeout:                  time.Duration(h.config.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.config.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.config.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "http listener")
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(h.listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.logger.Info("HTTP server started successfully", zap.String("address", addr))
	return nil
}

func (h *HTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer h.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if h.server != nil {
		if err := h.server.ShutdownWithContext(ctx); err != nil {
			h.logger.Warn("Server stop timeout, some connections may have been dropped")
			return nil
		}
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *HTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *HTTPServer) mainHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		handler, config := h.router.Lookup(ctx)
		if handler == nil {
			ctx.Error("Not found", fasthttp.StatusNotFound)
			return
		}

		h.middlewares.Execute(ctx, func(ctx *fasthttp.RequestCtx) {
			handler(ctx)
		}, config)
	}
}

func (h *HTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *HTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *HTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
