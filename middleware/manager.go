package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"

	"github.com/mealhall/mealhall-core/types"
)

// Manager holds the middleware chain. Registration happens during wiring;
// Finalize orders the chain by weight and compiles it once, after which the
// chain is immutable and Execute is lock free.
type Manager struct {
	logger    types.Logger
	entries   map[string]*types.MiddlewareEntry
	ordered   []types.MiddlewareEntry
	chain     func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig)
	mu        sync.Mutex
	finalized int32
}

func NewManager(logger types.Logger) *Manager {
	return &Manager{
		logger:  logger,
		entries: make(map[string]*types.MiddlewareEntry),
	}
}

func (m *Manager) Register(mw types.Middleware) error {
	if mw == nil {
		return types.ErrHandlerIsNil
	}

	if atomic.LoadInt32(&m.finalized) == 1 {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := mw.Name()
	if _, exists := m.entries[name]; exists {
		return types.NewErrorf("middleware %q already registered", name)
	}

	m.entries[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: mw,
		Weight:     mw.Weight(),
	}
	return nil
}

// Finalize orders the registered middlewares by weight. Duplicate weights are
// a wiring mistake and fail fast.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.finalized) == 1 {
		return types.NewErrorf("middleware chain already finalized")
	}

	weights := make(map[int]string, len(m.entries))
	for name, entry := range m.entries {
		if other, exists := weights[entry.Weight]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares %q and %q", entry.Weight, other, name)
		}
		weights[entry.Weight] = name
	}

	m.ordered = make([]types.MiddlewareEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		m.ordered = append(m.ordered, *entry)
	}
	sort.Slice(m.ordered, func(i, j int) bool {
		return m.ordered[i].Weight < m.ordered[j].Weight
	})

	m.chain = compileChain(m.ordered)
	atomic.StoreInt32(&m.finalized, 1)
	return nil
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if atomic.LoadInt32(&m.finalized) == 0 {
		handler(ctx)
		return
	}
	m.chain(ctx, handler, config)
}

func compileChain(entries []types.MiddlewareEntry) func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig) {
	if len(entries) == 0 {
		return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
			handler(ctx)
		}
	}

	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(entries) {
				handler(ctx)
				return
			}

			mw := entries[index].Middleware
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}
