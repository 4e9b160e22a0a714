// Package proxy is the HTTP layer of the gateway: the middleware pipeline,
// the chat route with retry/failover, and the operational endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/config"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/metrics"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/ratelimit"
	"github.com/polyroute/gateway/internal/registry"
	"github.com/polyroute/gateway/internal/routing"
	"github.com/polyroute/gateway/internal/telemetry"
	"github.com/polyroute/gateway/pkg/apierr"
)

// Deps are the collaborators injected into the Gateway. RPM and Cache are
// optional; everything else is required.
type Deps struct {
	Config    *config.Config
	Providers map[providers.Name]providers.Provider
	Registry  *registry.Registry
	Selector  *routing.Selector
	Limiter   *ratelimit.ProviderLimiter
	RPM       *ratelimit.RPMLimiter
	Cache     *cache.SemanticCache
	Metrics   *metrics.Registry
	Costs     *telemetry.CostTracker
	Errors    *telemetry.ErrorTracker
	ReqLog    *logger.Logger
	Log       *slog.Logger
}

// Gateway serves the OpenAI-compatible API over the configured providers.
type Gateway struct {
	providers map[providers.Name]providers.Provider
	registry  *registry.Registry
	selector  *routing.Selector
	limiter   *ratelimit.ProviderLimiter
	rpm       *ratelimit.RPMLimiter
	cache     *cache.SemanticCache
	metrics   *metrics.Registry
	costs     *telemetry.CostTracker
	errors    *telemetry.ErrorTracker
	reqLog    *logger.Logger
	log       *slog.Logger

	apiKey          []byte
	env             string
	defaultStrategy routing.Strategy
	maxRetries      int
	backoffBase     time.Duration
	backoffMax      time.Duration
	requestTimeout  time.Duration
	timeouts        map[providers.Name]time.Duration
	estimateTokens  bool

	shuttingDown atomic.Bool
}

func NewGateway(d Deps) (*Gateway, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("proxy: config is required")
	case len(d.Providers) == 0:
		return nil, errors.New("proxy: at least one provider is required")
	case d.Registry == nil, d.Selector == nil, d.Limiter == nil:
		return nil, errors.New("proxy: registry, selector, and limiter are required")
	case d.Metrics == nil, d.Costs == nil, d.Errors == nil, d.ReqLog == nil:
		return nil, errors.New("proxy: metrics, trackers, and request logger are required")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}

	cfg := d.Config
	return &Gateway{
		providers: d.Providers,
		registry:  d.Registry,
		selector:  d.Selector,
		limiter:   d.Limiter,
		rpm:       d.RPM,
		cache:     d.Cache,
		metrics:   d.Metrics,
		costs:     d.Costs,
		errors:    d.Errors,
		reqLog:    d.ReqLog,
		log:       d.Log,

		apiKey:          []byte(cfg.GatewayAPIKey),
		env:             cfg.Env,
		defaultStrategy: routing.ParseStrategy(cfg.Routing.Strategy),
		maxRetries:      cfg.Routing.MaxRetries,
		backoffBase:     cfg.Routing.BackoffBase,
		backoffMax:      cfg.Routing.BackoffMax,
		requestTimeout:  cfg.RequestTimeout,
		timeouts: map[providers.Name]time.Duration{
			providers.OpenAI:    cfg.OpenAI.Timeout,
			providers.Anthropic: cfg.Anthropic.Timeout,
			providers.Google:    cfg.Google.Timeout,
		},
		estimateTokens: cfg.Routing.EstimateStreamTokens,
	}, nil
}

// BeginShutdown flips the drain gate. In-flight requests finish; new ones
// get 503.
func (g *Gateway) BeginShutdown() {
	g.shuttingDown.Store(true)
}

// routingRequest maps the validated chat request onto the routing view.
func routingRequest(req *providers.ChatRequest, hints routing.Hints) routing.Request {
	return routing.Request{
		Model:                req.Model,
		EstimatedInputTokens: estimateInputTokens(req.Messages),
		MaxOutputTokens:      req.MaxTokens,
		Stream:               req.Stream,
		Hints:                hints,
	}
}

// handleChat is the terminal route handler for POST /v1/chat/completions.
// Everything before it has already run: the request is validated, admitted,
// deadlined, routed, and was a cache miss (or bypass).
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	req := chatRequest(ctx)
	requestID := userString(ctx, keyRequestID)
	dctx := deadlineCtx(ctx)
	ranked, _ := ctx.UserValue(keyRanked).([]routing.RankedProvider)

	result, err := runFallback(dctx, ranked, g.execUpstream(req, requestID), FallbackOptions{
		MaxRetries:        g.maxRetries,
		Streaming:         req.Stream,
		PerAttemptTimeout: g.perAttemptTimeout(ctx),
		BaseBackoff:       g.backoffBase,
		MaxBackoff:        g.backoffMax,
	}, g.log)
	if err != nil {
		// The deadline middleware releases the stream timer on the error
		// unwind; nothing to cancel here.
		g.writeTerminalError(ctx, err)
		return
	}

	ctx.SetUserValue(keyServedProvider, string(result.Provider))
	ctx.SetUserValue(keyServedModel, result.Model)
	ctx.SetUserValue(keyAttempts, result.Attempts)
	if result.Provider != ranked[0].Provider {
		g.metrics.RecordFailover(string(ranked[0].Provider), string(result.Provider))
	}

	if req.Stream {
		g.writeSSE(ctx, result, requestID)
		return
	}
	g.writeCompletion(ctx, result, requestID)
}

// execUpstream builds the per-attempt execute function handed to the fallback
// runner. It is the single place that reports upstream outcomes to the
// registry and the error tracker — once per attempt, success or failure.
// Streaming successes report at stream end instead (see writeSSE); a stream
// that fails mid-flight is already past the point of retrying.
func (g *Gateway) execUpstream(req *providers.ChatRequest, requestID string) Exec {
	return func(ctx context.Context, p providers.Name, model string) (*providers.ChatResponse, error) {
		prov, ok := g.providers[p]
		if !ok {
			return nil, &providers.Error{Provider: p, Status: fasthttp.StatusServiceUnavailable, Message: "provider not configured"}
		}

		attempt := *req
		attempt.Model = model
		attempt.RequestID = requestID

		start := time.Now()
		resp, err := prov.Chat(ctx, &attempt)
		dur := time.Since(start)

		if err != nil {
			g.registry.ReportError(p, model, err)
			g.errors.Record(requestID, p, model, upstreamStatus(err), err.Error())
			g.metrics.ObserveUpstreamAttempt(string(p), "error", dur)
			return nil, err
		}

		g.metrics.ObserveUpstreamAttempt(string(p), "success", dur)
		if !attempt.Stream {
			g.registry.ReportSuccess(p, model, float64(dur.Milliseconds()))
		}
		return resp, nil
	}
}

// perAttemptTimeout bounds each buffered upstream attempt by the timeout of
// the provider that natively serves the requested model.
func (g *Gateway) perAttemptTimeout(ctx *fasthttp.RequestCtx) time.Duration {
	if t, ok := g.timeouts[modelProvider(ctx)]; ok && t > 0 {
		return t
	}
	return providers.DefaultTimeout
}

// writeTerminalError maps a fallback error onto the OpenAI error envelope.
// Upstream messages leave the process only in dev; prod responses carry
// generic text and the detail stays in the logs.
func (g *Gateway) writeTerminalError(ctx *fasthttp.RequestCtx, err error) {
	attrs := []any{
		slog.String("id", userString(ctx, keyRequestID)),
		slog.String("error", err.Error()),
	}
	var fe *FallbackError
	if errors.As(err, &fe) {
		attrs = append(attrs, slog.Int("attempts", len(fe.Attempts)))
	}
	g.log.Error("chat_request_failed", attrs...)

	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		apierr.WriteTimeout(ctx)

	case errors.Is(err, ErrAllProvidersFailed):
		var perr *providers.Error
		if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
			apierr.WriteUpstreamStatus(ctx, perr.Status, g.scrub(perr.Message), string(perr.Provider))
			return
		}
		apierr.WriteAllProvidersFailed(ctx, g.scrub(err.Error()))

	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeInternalError, apierr.CodeInternalError)
	}
}

// scrub replaces upstream detail with generic text in prod.
func (g *Gateway) scrub(msg string) string {
	if g.env == "prod" {
		return "upstream provider error"
	}
	return msg
}

func upstreamStatus(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// OpenAI-compatible response shapes.
type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	chatChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	usagePayload struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	completionResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   usagePayload `json:"usage"`
	}
)

// writeCompletion serializes a buffered upstream response and records cost
// and token telemetry.
func (g *Gateway) writeCompletion(ctx *fasthttp.RequestCtx, result *FallbackResult, requestID string) {
	resp := result.Response
	usage := resp.Usage

	g.metrics.AddTokens(string(result.Provider), usage.InputTokens, usage.OutputTokens)
	g.costs.Record(requestID, result.Provider, result.Model, usage, false)

	ctx.SetUserValue(keyInputTokens, usage.InputTokens)
	ctx.SetUserValue(keyOutputTokens, usage.OutputTokens)
	ctx.SetUserValue(keyResponseText, resp.Content)

	writeCompletionJSON(ctx, completionEnvelope(resp.ID, requestID, result.Model, resp.Content, usage))
}

// serveCacheHit answers from the cache without touching any upstream. The
// stored raw response is replayed when present; older entries without one are
// rebuilt from the stored content and usage.
func (g *Gateway) serveCacheHit(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, match *cache.Match) {
	requestID := userString(ctx, keyRequestID)

	ctx.Response.Header.Set("X-Cache", string(cache.StatusHit))
	ctx.Response.Header.Set("X-Cache-Score", fmt.Sprintf("%.4f", match.Distance))
	ctx.SetUserValue(keyCacheStatus, string(cache.StatusHit))
	g.metrics.RecordCacheStatus(string(cache.StatusHit))

	entry := match.Entry
	ctx.SetUserValue(keyServedModel, entry.Model)
	ctx.SetUserValue(keyInputTokens, entry.Usage.InputTokens)
	ctx.SetUserValue(keyOutputTokens, entry.Usage.OutputTokens)

	if p, err := providers.ResolveProvider(entry.Model); err == nil {
		ctx.SetUserValue(keyServedProvider, string(p))
		g.costs.Record(requestID, p, entry.Model, entry.Usage, true)
	}

	if len(entry.Response) > 0 && json.Valid(entry.Response) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(entry.Response)
		return
	}
	writeCompletionJSON(ctx, completionEnvelope("", requestID, entry.Model, entry.Content, entry.Usage))
}

func completionEnvelope(id, requestID, model, content string, usage providers.Usage) completionResponse {
	if id == "" {
		id = "chatcmpl-" + requestID
	}
	return completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usagePayload{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	}
}

func writeCompletionJSON(ctx *fasthttp.RequestCtx, resp completionResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternalError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
