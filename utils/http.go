package utils

import (
	"github.com/valyala/fasthttp"
)

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		WriteError(ctx, fasthttp.StatusInternalServerError, "internal_error", "failed to encode response")
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	body, err := Marshal(map[string]interface{}{
		"error": message,
		"code":  code,
	})
	if err != nil {
		ctx.SetBodyString(`{"error":"internal error","code":"internal_error"}`)
		return
	}
	ctx.SetBody(body)
}
