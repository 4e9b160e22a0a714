package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/registry"
	"github.com/polyroute/gateway/internal/telemetry"
)

// Router builds the full route table with each route's middleware chain.
// /v1/* and /metrics are authenticated; the probes are not.
func (g *Gateway) Router() *router.Router {
	r := router.New()

	r.POST("/v1/chat/completions", applyMiddleware(g.handleChat,
		g.recovery,
		requestID,
		g.requestLogger,
		g.shutdownGate,
		g.auth,
		bodyLimit,
		g.parseValidate,
		g.rateLimit,
		g.deadline,
		g.smartRouter,
		g.cacheMiddleware,
	))

	r.GET("/health", applyMiddleware(g.handleHealth, g.recovery, requestID))
	r.GET("/ready", applyMiddleware(g.handleReady, g.recovery, requestID))

	r.GET("/metrics", applyMiddleware(g.handleMetrics, g.recovery, requestID, g.auth))
	r.GET("/metrics/costs", applyMiddleware(g.handleCosts, g.recovery, requestID, g.auth))
	r.GET("/metrics/prometheus", applyMiddleware(g.metrics.Handler(), g.recovery, requestID, g.auth))

	return r
}

// Server wraps the router in a fasthttp server. WriteTimeout leaves headroom
// over the request deadline so long streams are not cut off by the transport.
func (g *Gateway) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Router().Handler,
		Name:               "polyroute-gateway",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       g.requestTimeout + 30*time.Second,
		MaxRequestBodySize: 2 * maxBodyBytes,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports per-dependency checks: ready when at least one provider
// circuit is not open, 503 with the full check map otherwise.
func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	checks := make(map[string]string)
	anyUp := false

	for _, p := range g.registry.Providers() {
		st := g.registry.CircuitState(p)
		checks["provider:"+string(p)] = st.String()
		if st != registry.StateOpen {
			anyUp = true
		}
	}

	status := fasthttp.StatusOK
	state := "ready"
	if !anyUp {
		status = fasthttp.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(ctx, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

type metricsSnapshot struct {
	Providers   []registry.ProviderState `json:"providers"`
	Errors      telemetry.ErrorSnapshot  `json:"errors"`
	DroppedLogs int64                    `json:"dropped_request_logs"`
}

func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, metricsSnapshot{
		Providers:   g.registry.States(),
		Errors:      g.errors.Snapshot(),
		DroppedLogs: g.reqLog.DroppedLogs(),
	})
}

func (g *Gateway) handleCosts(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.costs.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
