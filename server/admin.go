package server

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/catalog"
	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// Admin is the operator surface: cache controls and dead-letter management.
// Every route registers with Privileged set so the response cache skips it.
type Admin struct {
	kv      types.KeyValueStore
	catalog *catalog.Service
	queue   types.JobQueue
	metrics types.MetricsManager
	logger  types.Logger
}

func NewAdmin(kv types.KeyValueStore, catalogService *catalog.Service, queue types.JobQueue, metrics types.MetricsManager, logger types.Logger) *Admin {
	return &Admin{
		kv:      kv,
		catalog: catalogService,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
	}
}

func (a *Admin) Register(router *Router) error {
	privileged := &types.RouteConfig{Privileged: true}

	routes := []struct {
		method  string
		pattern string
		handler types.FastHTTPHandler
	}{
		{"POST", "/admin/cache/flush", a.flushCache},
		{"POST", "/admin/cache/invalidate", a.invalidateCache},
		{"GET", "/admin/cache/stats", a.cacheStats},
		{"POST", "/admin/cache/warm", a.warmCache},
		{"GET", "/admin/jobs/depth", a.queueDepth},
		{"GET", "/admin/jobs/dead-letters", a.listDeadLetters},
		{"GET", "/admin/jobs/dead-letters/{id}", a.getDeadLetter},
		{"POST", "/admin/jobs/dead-letters/{id}/retry", a.retryDeadLetter},
		{"DELETE", "/admin/jobs/dead-letters/{id}", a.purgeDeadLetter},
		{"GET", "/health", a.health},
	}
	for _, r := range routes {
		if err := router.Handle(r.method, r.pattern, r.handler, privileged); err != nil {
			return err
		}
	}

	if handler, ok := a.metrics.Handler().(types.FastHTTPHandler); ok && handler != nil {
		return router.Handle("GET", "/metrics", handler, privileged)
	}
	return nil
}

type flushRequest struct {
	Store string `json:"store"`
}

func (a *Admin) flushCache(ctx *fasthttp.RequestCtx) {
	var req flushRequest
	if len(ctx.PostBody()) > 0 {
		if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "request body must be a JSON object")
			return
		}
	}

	stores := a.kv.Stores()
	if req.Store != "" {
		stores = []string{req.Store}
	}

	flushed := make([]string, 0, len(stores))
	for _, store := range stores {
		if err := a.kv.Flush(ctx, store); err != nil {
			if types.IsError(err, types.ErrStoreUnknown) {
				utils.WriteError(ctx, fasthttp.StatusNotFound, "store_unknown", "no such store: "+store)
				return
			}
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "flush_failed", err.Error())
			return
		}
		flushed = append(flushed, store)
	}

	a.logger.Info("cache flushed", zap.Strings("stores", flushed))
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"flushed": flushed})
}

type invalidateRequest struct {
	Store  string `json:"store"`
	Prefix string `json:"prefix"`
}

func (a *Admin) invalidateCache(ctx *fasthttp.RequestCtx) {
	var req invalidateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil || req.Store == "" || req.Prefix == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "store and prefix are required")
		return
	}

	deleted, err := a.kv.DeleteByPrefix(ctx, req.Store, req.Prefix)
	if err != nil {
		if types.IsError(err, types.ErrStoreUnknown) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "store_unknown", "no such store: "+req.Store)
			return
		}
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "invalidate_failed", err.Error())
		return
	}

	a.logger.Info("cache prefix invalidated",
		zap.String("store", req.Store),
		zap.String("prefix", req.Prefix),
		zap.Int("deleted", deleted))
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"deleted": deleted})
}

func (a *Admin) cacheStats(ctx *fasthttp.RequestCtx) {
	stats := make([]*types.StoreStats, 0)
	for _, store := range a.kv.Stores() {
		s, err := a.kv.Stats(ctx, store)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "stats_failed", err.Error())
			return
		}
		stats = append(stats, s)
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"stores": stats})
}

type warmRequest struct {
	EntityType string   `json:"entity_type"`
	IDs        []string `json:"ids"`
}

func (a *Admin) warmCache(ctx *fasthttp.RequestCtx) {
	var req warmRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil || req.EntityType == "" || len(req.IDs) == 0 {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "entity_type and ids are required")
		return
	}

	warmed := a.catalog.WarmEntities(ctx, types.EntityType(req.EntityType), req.IDs)
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"requested": len(req.IDs),
		"warmed":    warmed,
	})
}

func (a *Admin) queueDepth(ctx *fasthttp.RequestCtx) {
	depths := map[string]int64{}
	for _, lane := range []types.Lane{types.LaneCritical, types.LaneDefault, types.LaneBulk} {
		depth, err := a.queue.Depth(ctx, lane)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "depth_failed", err.Error())
			return
		}
		depths[string(lane)] = depth
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"lanes": depths})
}

func (a *Admin) listDeadLetters(ctx *fasthttp.RequestCtx) {
	letters, err := a.queue.DeadLetters(ctx)
	if err != nil {
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "dead_letters_failed", err.Error())
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"data":  letters,
		"total": len(letters),
	})
}

func (a *Admin) getDeadLetter(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	letter, err := a.queue.DeadLetterByID(ctx, id)
	if err != nil {
		if types.IsError(err, types.ErrJobNotFound) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "dead_letter_failed", err.Error())
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"data": letter})
}

// retryDeadLetter re-enqueues a dead-lettered job with its attempt counter
// reset, then drops it from the dead-letter set. The retried run gets the full
// attempt budget again.
func (a *Admin) retryDeadLetter(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	letter, err := a.queue.DeadLetterByID(ctx, id)
	if err != nil {
		if types.IsError(err, types.ErrJobNotFound) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "dead_letter_failed", err.Error())
		return
	}

	job := letter.Job
	job.Attempts = 0
	job.LastError = ""
	job.NotBefore = time.Now()

	if err := a.queue.Enqueue(ctx, &job); err != nil {
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "retry_failed", err.Error())
		return
	}
	if err := a.queue.PurgeDeadLetter(ctx, id); err != nil {
		a.logger.Warn("dead letter purge after retry failed",
			zap.String("job_id", id),
			zap.Error(err))
	}

	a.logger.Info("dead letter retried",
		zap.String("job_id", id),
		zap.String("kind", string(job.Kind)))
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"retried": true, "id": id})
}

func (a *Admin) purgeDeadLetter(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	if err := a.queue.PurgeDeadLetter(ctx, id); err != nil {
		if types.IsError(err, types.ErrJobNotFound) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "purge_failed", err.Error())
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"purged": true, "id": id})
}

func (a *Admin) health(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
