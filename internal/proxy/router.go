package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":5643").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Interactive streams stay open for the full upstream retry budget.
		WriteTimeout:       15 * time.Minute,
		MaxRequestBodySize: 64 << 20,
	}
	g.srv = srv

	return srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP server, letting in-flight requests
// finish. No-op before Start.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

// Handler builds the complete route table wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/v1/models", g.requireAuth(g.handleModels))
	r.POST("/v1/images/generations", g.requireAuth(g.handleGenerations))
	r.POST("/v1/images/edits", g.requireAuth(g.handleEdits))
	r.POST("/v1/chat/completions", g.requireAuth(g.handleChatCompletions))

	// Image serving is unauthenticated: clients embed these URLs in chat
	// transcripts and browsers fetch them without credentials.
	r.GET("/images/{id}", g.handleImage)
	r.GET("/images/{id}/thumbnail", g.handleThumbnail)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/admin/stats", g.requireAuth(g.handleAdminStats))
	r.GET("/admin/logs", g.requireAuth(g.handleAdminLogs))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.observe,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// handleModels reports the single advertised gateway model.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       g.modelName,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "picgate",
			},
		},
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": Version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if _, err := g.images.Stats(ctx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleAdminStats(ctx *fasthttp.RequestCtx) {
	st, err := g.images.Stats(ctx)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		writeJSON(ctx, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(ctx, map[string]any{
		"total_records":   st.TotalRecords,
		"local_copies":    st.LocalCopies,
		"remote_copies":   st.RemoteCopies,
		"local_bytes":     st.LocalBytes,
		"pending_uploads": st.PendingUploads,
		"failed_uploads":  st.FailedUploads,
	})
}

func (g *Gateway) handleAdminLogs(ctx *fasthttp.RequestCtx) {
	if g.activity == nil {
		writeJSON(ctx, []any{})
		return
	}
	writeJSON(ctx, g.activity.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
