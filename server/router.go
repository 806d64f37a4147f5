package server

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/mealhall/mealhall-core/types"
)

type route struct {
	method     string
	pattern    string
	handler    types.FastHTTPHandler
	config     *types.RouteConfig
	segments   []string
	paramNames []string
}

// Router matches static paths by map lookup and parameterized patterns
// ("{id}" segments) by a segment walk. Routes are registered during wiring;
// matching never takes a lock.
type Router struct {
	static  map[string]*route
	dynamic []*route
}

func NewRouter() *Router {
	return &Router{static: make(map[string]*route)}
}

func (r *Router) Handle(method, pattern string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	if handler == nil {
		return types.ErrHandlerIsNil
	}
	if config == nil {
		config = &types.RouteConfig{}
	}

	entry := &route{
		method:  method,
		pattern: pattern,
		handler: handler,
		config:  config,
	}

	if !strings.Contains(pattern, "{") {
		key := method + ":" + normalizePath(pattern)
		if _, exists := r.static[key]; exists {
			return types.Errorf(types.ErrRouteConflict, "%s %s", method, pattern)
		}
		r.static[key] = entry
		return nil
	}

	entry.segments = splitPath(pattern)
	for _, segment := range entry.segments {
		if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
			entry.paramNames = append(entry.paramNames, segment[1:len(segment)-1])
		}
	}

	for _, existing := range r.dynamic {
		if existing.method == method && existing.pattern == pattern {
			return types.Errorf(types.ErrRouteConflict, "%s %s", method, pattern)
		}
	}
	r.dynamic = append(r.dynamic, entry)
	return nil
}

// Lookup resolves a request to its handler and route config, setting path
// params as user values on the request context.
func (r *Router) Lookup(ctx *fasthttp.RequestCtx) (types.FastHTTPHandler, *types.RouteConfig) {
	method := string(ctx.Method())
	path := normalizePath(string(ctx.Path()))

	if entry, exists := r.static[method+":"+path]; exists {
		return entry.handler, entry.config
	}

	segments := splitPath(path)
	for _, entry := range r.dynamic {
		if entry.method != method {
			continue
		}
		if params := matchSegments(segments, entry); params != nil {
			for name, value := range params {
				ctx.SetUserValue(name, value)
			}
			return entry.handler, entry.config
		}
	}

	return nil, nil
}

func matchSegments(segments []string, entry *route) map[string]string {
	if len(segments) != len(entry.segments) {
		return nil
	}

	params := make(map[string]string, len(entry.paramNames))
	for i, want := range entry.segments {
		if strings.HasPrefix(want, "{") {
			params[want[1:len(want)-1]] = segments[i]
			continue
		}
		if want != segments[i] {
			return nil
		}
	}
	return params
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}

func normalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}
