// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — LLM provider clients
//  3. initServices  — latency tracker, registry, routing, rate limits, cache,
//     telemetry, request logger
//  4. initGateway   — proxy routes + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/config"
	"github.com/polyroute/gateway/internal/latency"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/metrics"
	"github.com/polyroute/gateway/internal/providers"
	anthropicprov "github.com/polyroute/gateway/internal/providers/anthropic"
	googleprov "github.com/polyroute/gateway/internal/providers/google"
	openaiprov "github.com/polyroute/gateway/internal/providers/openai"
	"github.com/polyroute/gateway/internal/proxy"
	"github.com/polyroute/gateway/internal/ratelimit"
	"github.com/polyroute/gateway/internal/registry"
	"github.com/polyroute/gateway/internal/routing"
	"github.com/polyroute/gateway/internal/telemetry"
)

// drainGrace is how long in-flight requests get between the shutdown gate
// flipping and the listener closing.
const drainGrace = 2 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	reqLogger *logger.Logger
	semCache  *cache.SemanticCache

	tracker  *latency.Tracker
	reg      *registry.Registry
	selector *routing.Selector
	limiter  *ratelimit.ProviderLimiter
	rpm      *ratelimit.RPMLimiter

	prom   *metrics.Registry
	costs  *telemetry.CostTracker
	errors *telemetry.ErrorTracker

	provs map[providers.Name]providers.Provider
	gw    *proxy.Gateway
	srv   *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation the shutdown gate flips first so in-flight requests
// can finish before the listener closes.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		a.exportCircuitStates(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.gw.BeginShutdown()
		time.Sleep(drainGrace)
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// exportCircuitStates mirrors the registry's breaker states into the
// Prometheus gauge every few seconds.
func (a *App) exportCircuitStates(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range a.reg.Providers() {
				a.prom.SetCircuitBreaker(string(p), int64(a.reg.CircuitState(p)))
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.semCache != nil {
		if err := a.semCache.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.semCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates a provider client per non-empty API key.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) map[providers.Name]providers.Provider {
	provs := make(map[providers.Name]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		opts := []openaiprov.Option{openaiprov.WithTimeout(cfg.OpenAI.Timeout)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs[providers.OpenAI] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		opts := []anthropicprov.Option{anthropicprov.WithTimeout(cfg.Anthropic.Timeout)}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs[providers.Anthropic] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Google.APIKey != "" {
		opts := []googleprov.Option{googleprov.WithTimeout(cfg.Google.Timeout)}
		if cfg.Google.BaseURL != "" {
			opts = append(opts, googleprov.WithBaseURL(cfg.Google.BaseURL))
		}
		p, err := googleprov.New(ctx, cfg.Google.APIKey, opts...)
		if err != nil {
			log.Error("google provider init failed", slog.String("error", err.Error()))
		} else {
			provs[providers.Google] = p
		}
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
