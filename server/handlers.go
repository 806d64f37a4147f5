package server

import (
	"github.com/valyala/fasthttp"

	"github.com/mealhall/mealhall-core/catalog"
	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// API exposes the public read and mutation surface over the catalog service.
type API struct {
	catalog *catalog.Service
	logger  types.Logger
}

func NewAPI(catalogService *catalog.Service, logger types.Logger) *API {
	return &API{catalog: catalogService, logger: logger}
}

var entityRoutes = map[string]types.EntityType{
	"products":   types.EntityProduct,
	"categories": types.EntityCategory,
	"settings":   types.EntitySetting,
	"orders":     types.EntityOrder,
}

func (a *API) Register(router *Router) error {
	cached := func(entityType types.EntityType, variesByUser bool) *types.RouteConfig {
		return &types.RouteConfig{
			Cache: &types.RouteCacheConfig{
				Enabled:      true,
				VariesByUser: variesByUser,
				EntityTypes:  []types.EntityType{entityType},
			},
		}
	}
	mutation := &types.RouteConfig{}

	for name, entityType := range entityRoutes {
		et := entityType
		base := "/api/" + name

		if err := router.Handle("GET", base, a.list(et), cached(et, false)); err != nil {
			return err
		}
		if err := router.Handle("GET", base+"/{id}", a.get(et), cached(et, false)); err != nil {
			return err
		}
		searchConfig := cached(et, false)
		searchConfig.RateLimit = &types.RouteRateConfig{Rule: "search"}
		if err := router.Handle("GET", base+"/search", a.search(et), searchConfig); err != nil {
			return err
		}
		if err := router.Handle("POST", base, a.create(et), mutation); err != nil {
			return err
		}
		if err := router.Handle("PUT", base+"/{id}", a.update(et), mutation); err != nil {
			return err
		}
		if err := router.Handle("DELETE", base+"/{id}", a.remove(et), mutation); err != nil {
			return err
		}
		if err := router.Handle("POST", base+"/{id}/restore", a.restore(et), mutation); err != nil {
			return err
		}
		if err := router.Handle("POST", base+"/bulk", a.bulkUpdate(et), mutation); err != nil {
			return err
		}
	}

	return router.Handle("GET", "/api/products/featured", a.featured(), cached(types.EntityProduct, false))
}

func (a *API) list(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		scope := string(ctx.QueryArgs().Peek("category"))

		docs, err := a.catalog.ListEntities(ctx, entityType, scope)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"data": docs, "total": len(docs)})
	}
}

func (a *API) get(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := ctx.UserValue("id").(string)
		if !ok || id == "" {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "missing_id", "id path parameter required")
			return
		}

		doc, err := a.catalog.GetEntity(ctx, entityType, id)
		if err != nil {
			if types.IsError(err, types.ErrDocumentNotFound) {
				utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "entity not found")
				return
			}
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "get_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"data": doc})
	}
}

func (a *API) search(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		filters := make(map[string]string)
		ctx.QueryArgs().VisitAll(func(name, value []byte) {
			filters[string(name)] = string(value)
		})

		docs, err := a.catalog.SearchEntities(ctx, entityType, filters)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "search_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"data": docs, "total": len(docs)})
	}
}

func (a *API) featured() types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		docs, err := a.catalog.FeaturedProducts(ctx)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"data": docs, "total": len(docs)})
	}
}

func (a *API) create(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var doc map[string]interface{}
		if err := utils.Unmarshal(ctx.PostBody(), &doc); err != nil {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "request body must be a JSON object")
			return
		}

		id, err := a.catalog.CreateEntity(ctx, entityType, doc)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "create_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusCreated, map[string]interface{}{"id": id})
	}
}

func (a *API) update(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("id").(string)

		var fields map[string]interface{}
		if err := utils.Unmarshal(ctx.PostBody(), &fields); err != nil || len(fields) == 0 {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "request body must be a non-empty JSON object")
			return
		}

		if err := a.catalog.UpdateEntity(ctx, entityType, id, fields); err != nil {
			if types.IsError(err, types.ErrDocumentNotFound) {
				utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "entity not found")
				return
			}
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "update_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"updated": true})
	}
}

func (a *API) remove(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("id").(string)

		if err := a.catalog.DeleteEntity(ctx, entityType, id); err != nil {
			if types.IsError(err, types.ErrDocumentNotFound) {
				utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "entity not found")
				return
			}
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "delete_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"deleted": true})
	}
}

func (a *API) restore(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("id").(string)

		if err := a.catalog.RestoreEntity(ctx, entityType, id); err != nil {
			if types.IsError(err, types.ErrDocumentNotFound) {
				utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "entity not found")
				return
			}
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "restore_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"restored": true})
	}
}

type bulkUpdateRequest struct {
	IDs    []string               `json:"ids"`
	Fields map[string]interface{} `json:"fields"`
}

func (a *API) bulkUpdate(entityType types.EntityType) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req bulkUpdateRequest
		if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "request body must be a JSON object")
			return
		}
		if len(req.IDs) == 0 || len(req.Fields) == 0 {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "ids and fields are required")
			return
		}

		updated, err := a.catalog.BulkUpdate(ctx, entityType, req.IDs, req.Fields)
		if err != nil {
			utils.WriteError(ctx, fasthttp.StatusInternalServerError, "bulk_update_failed", err.Error())
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"updated": updated})
	}
}
