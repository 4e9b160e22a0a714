package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/pkg/apierr"
)

// Request-context keys. Middleware communicates downstream (and back up the
// unwind path) exclusively through these user values — the body is parsed
// once and never re-read.
const (
	keyRequestID      = "request_id"
	keyChatRequest    = "chat_request"
	keyModelProvider  = "model_provider"
	keyDeadlineCtx    = "deadline_ctx"
	keyDeadlineCancel = "deadline_cancel"
	keyRanked         = "ranked_providers"
	keyStrategy       = "routing_strategy"
	keyCacheStatus    = "cache_status"
	keyCacheVec       = "cache_embedding"
	keyServedProvider = "served_provider"
	keyServedModel    = "served_model"
	keyAttempts       = "attempts"
	keyInputTokens    = "input_tokens"
	keyOutputTokens   = "output_tokens"
	keyResponseText   = "response_text"
)

const (
	maxBodyBytes = 1 << 20 // 1MB

	minClientTimeout = time.Second
	maxClientTimeout = 120 * time.Second
)

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(keyRequestID, id)
		next(ctx)
	}
}

// requestLogger measures the full request and, on the unwind path, emits the
// access log plus one entry into the batched request logger. Downstream
// handlers fill in provider/model/token user values as they learn them.
func (g *Gateway) requestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		g.metrics.IncInFlight()

		next(ctx)

		g.metrics.DecInFlight()
		dur := time.Since(start)
		status := ctx.Response.StatusCode()
		route := string(ctx.Path())
		g.metrics.ObserveHTTP(route, status, dur)

		entry := logger.RequestLog{
			Provider:     userString(ctx, keyServedProvider),
			Model:        userString(ctx, keyServedModel),
			Strategy:     userString(ctx, keyStrategy),
			InputTokens:  uint32(userInt(ctx, keyInputTokens)),
			OutputTokens: uint32(userInt(ctx, keyOutputTokens)),
			LatencyMs:    uint32(dur.Milliseconds()),
			Status:       uint16(status),
			Attempts:     uint8(userInt(ctx, keyAttempts)),
			CacheStatus:  userString(ctx, keyCacheStatus),
			CreatedAt:    start,
		}
		if id, err := uuid.Parse(userString(ctx, keyRequestID)); err == nil {
			entry.ID = id
		} else {
			entry.ID = uuid.New()
		}
		g.reqLog.Log(entry)

		g.log.Info("http_request",
			slog.String("id", userString(ctx, keyRequestID)),
			slog.String("method", string(ctx.Method())),
			slog.String("path", route),
			slog.Int("status", status),
			slog.Int64("duration_ms", dur.Milliseconds()),
		)
	}
}

// shutdownGate rejects new work while the process drains.
func (g *Gateway) shutdownGate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.shuttingDown.Load() {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				"server is shutting down", apierr.TypeServerError, apierr.CodeShuttingDown)
			return
		}
		next(ctx)
	}
}

// auth checks Authorization: Bearer <key> against the gateway key in constant
// time. A malformed header and a wrong key are indistinguishable to the
// client.
func (g *Gateway) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		header := string(ctx.Request.Header.Peek("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), g.apiKey) != 1 {
			apierr.WriteUnauthorized(ctx)
			return
		}
		next(ctx)
	}
}

// bodyLimit rejects oversized bodies before parsing.
func bodyLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if len(ctx.PostBody()) > maxBodyBytes {
			apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge,
				"request body must not exceed 1MB", apierr.TypeInvalidRequest, apierr.CodeRequestTooLarge)
			return
		}
		next(ctx)
	}
}

// parseValidate parses the body exactly once, validates the schema, and
// stores the normalized request on the context.
func (g *Gateway) parseValidate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req, issues := parseChatRequest(ctx.PostBody())
		if len(issues) > 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				strings.Join(issues, "; "), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		ctx.SetUserValue(keyChatRequest, req)
		next(ctx)
	}
}

// rateLimit runs the global RPM window (when Redis is configured) and then
// charges one token from the bucket of the provider that natively serves the
// requested model. The bucket headers go out on every response, allowed or
// denied.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.rpm != nil {
			if allowed, _ := g.rpm.Allow(ctx); !allowed {
				g.metrics.RecordRateLimit("global", "denied")
				apierr.WriteRateLimit(ctx, 60)
				return
			}
		}

		req := chatRequest(ctx)

		p, err := providers.ResolveProvider(req.Model)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("no provider serves model %q", req.Model),
				apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
			return
		}
		ctx.SetUserValue(keyModelProvider, p)

		b := g.limiter.Bucket(p)
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(b.Max()))

		if !b.TryAcquire() {
			g.metrics.RecordRateLimit(string(p), "denied")
			ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
			apierr.WriteRateLimit(ctx, int(b.RetryAfter().Seconds()))
			return
		}

		g.metrics.RecordRateLimit(string(p), "allowed")
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(b.Remaining()))
		next(ctx)
	}
}

// deadline establishes the single cancellation context every upstream call
// runs under. Timeout resolution: X-Timeout-Ms clamped to [1s, 120s], else
// the model provider's timeout, else the global default.
//
// For streaming requests the cancel must outlive this middleware — the SSE
// body writer runs after the handler chain unwinds — so it is handed down via
// the context instead of deferred here.
func (g *Gateway) deadline(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := chatRequest(ctx)

		timeout := g.requestTimeout
		if t, ok := g.timeouts[modelProvider(ctx)]; ok && t > 0 {
			timeout = t
		}
		if raw := string(ctx.Request.Header.Peek("X-Timeout-Ms")); raw != "" {
			if ms, err := strconv.Atoi(raw); err == nil {
				d := time.Duration(ms) * time.Millisecond
				if d < minClientTimeout {
					d = minClientTimeout
				}
				if d > maxClientTimeout {
					d = maxClientTimeout
				}
				timeout = d
			}
		}

		dctx, cancel := context.WithTimeout(ctx, timeout)
		ctx.SetUserValue(keyDeadlineCtx, dctx)
		ctx.SetUserValue(keyDeadlineCancel, cancel)

		if !req.Stream {
			defer cancel()
			next(ctx)
			return
		}

		// Streams hand the cancel to the SSE body writer. When the chain
		// below rejects the request no writer was installed, so the timer is
		// released on the unwind path here.
		next(ctx)
		if ctx.Response.StatusCode() >= fasthttp.StatusBadRequest {
			cancel()
		}
	}
}

// smartRouter ranks providers for the request and stores the ordered list.
// The post-next hook reports to the registry when the handler below panics —
// the exec adapter inside the fallback runner covers the normal paths.
func (g *Gateway) smartRouter(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := chatRequest(ctx)

		hints, err := parseRoutingHints(ctx, g.defaultStrategy)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}

		ranked, err := g.selector.Select(routingRequest(req, hints))
		if err != nil {
			g.log.Warn("no_provider_available",
				slog.String("id", userString(ctx, keyRequestID)),
				slog.String("model", req.Model),
			)
			apierr.WriteNoProvider(ctx)
			return
		}

		ctx.SetUserValue(keyRanked, ranked)
		ctx.SetUserValue(keyStrategy, string(hints.Strategy))
		g.metrics.RecordRoutingDecision(string(ranked[0].Provider), string(hints.Strategy))

		defer func() {
			if r := recover(); r != nil {
				g.registry.ReportError(ranked[0].Provider, ranked[0].Model, fmt.Errorf("panic: %v", r))
				panic(r)
			}
		}()
		next(ctx)
	}
}

// cacheMiddleware short-circuits on a semantic hit and, on the unwind path of
// a miss, queues the async store for successful buffered responses.
func (g *Gateway) cacheMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := chatRequest(ctx)

		if g.cache == nil {
			g.finishCache(ctx, cache.StatusDisabled)
			next(ctx)
			return
		}
		if req.Stream || skipCacheHeader(ctx) {
			g.finishCache(ctx, cache.StatusSkip)
			next(ctx)
			return
		}

		match, vec := g.cache.Lookup(deadlineCtx(ctx), req.Model, req.Messages, req.Temperature, req.MaxTokens)
		if match != nil {
			g.serveCacheHit(ctx, req, match)
			return
		}

		g.finishCache(ctx, cache.StatusMiss)
		next(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			return
		}
		body := make([]byte, len(ctx.Response.Body()))
		copy(body, ctx.Response.Body())
		g.cache.Store(cache.Entry{
			Model:         req.Model,
			CanonicalText: cache.CanonicalText(req.Messages),
			Response:      body,
			Content:       userString(ctx, keyResponseText),
			Usage: providers.Usage{
				InputTokens:  userInt(ctx, keyInputTokens),
				OutputTokens: userInt(ctx, keyOutputTokens),
			},
			Embedding:   vec,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
	}
}

// finishCache sets the X-Cache header, the metric, and the log field for a
// non-hit outcome.
func (g *Gateway) finishCache(ctx *fasthttp.RequestCtx, status cache.Status) {
	ctx.Response.Header.Set("X-Cache", string(status))
	ctx.SetUserValue(keyCacheStatus, string(status))
	g.metrics.RecordCacheStatus(string(status))
}

func chatRequest(ctx *fasthttp.RequestCtx) *providers.ChatRequest {
	req, _ := ctx.UserValue(keyChatRequest).(*providers.ChatRequest)
	return req
}

func modelProvider(ctx *fasthttp.RequestCtx) providers.Name {
	p, _ := ctx.UserValue(keyModelProvider).(providers.Name)
	return p
}

// deadlineCtx returns the per-request cancellation context, falling back to
// the raw request context when the deadline middleware did not run (tests).
func deadlineCtx(ctx *fasthttp.RequestCtx) context.Context {
	if d, ok := ctx.UserValue(keyDeadlineCtx).(context.Context); ok {
		return d
	}
	return ctx
}

func userString(ctx *fasthttp.RequestCtx, key string) string {
	s, _ := ctx.UserValue(key).(string)
	return s
}

func userInt(ctx *fasthttp.RequestCtx, key string) int {
	n, _ := ctx.UserValue(key).(int)
	return n
}
