package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	npRouter "github.com/heliogate/gateway/internal/router"
	"github.com/heliogate/gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	// Named-router dispatch (spec.md §6): "/ai/..." binds to the default
	// router, "/router/<name>/..." to a named one.
	r.POST("/ai/{path:*}", g.handleAIPath)
	r.POST("/router/{name}/{path:*}", g.handleNamedRouterPath)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

// handleAIPath serves "/ai/<openai-path>", bound to the default router.
func (g *Gateway) handleAIPath(ctx *fasthttp.RequestCtx) {
	suffix, _ := ctx.UserValue("path").(string)
	g.dispatchRouterPath(ctx, "/ai/"+suffix)
}

// handleNamedRouterPath serves "/router/<name>/<openai-path>".
func (g *Gateway) handleNamedRouterPath(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("name").(string)
	suffix, _ := ctx.UserValue("path").(string)
	g.dispatchRouterPath(ctx, "/router/"+name+"/"+suffix)
}

// dispatchRouterPath resolves fullPath against the router registry and
// forwards to the chat or embeddings dispatcher per the detected endpoint
// type, stamping the resolved router name for requestWithFailover to pick
// up (see withRouterName).
func (g *Gateway) dispatchRouterPath(ctx *fasthttp.RequestCtx, fullPath string) {
	if g.routers == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"no router registry configured", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	reg := g.routers.Load()
	if reg == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"no router registry configured", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	rt, suffix, err := reg.Resolve(fullPath)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	et, err := npRouter.DetectEndpointType(suffix)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	ctx.SetUserValue("router_name", rt.Name)
	if et == npRouter.Embeddings {
		g.dispatchEmbeddings(ctx)
		return
	}
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
