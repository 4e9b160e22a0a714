package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/latency"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/metrics"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/proxy"
	"github.com/polyroute/gateway/internal/ratelimit"
	"github.com/polyroute/gateway/internal/registry"
	"github.com/polyroute/gateway/internal/routing"
	"github.com/polyroute/gateway/internal/telemetry"
)

// initInfra establishes optional external connections. Redis is required for
// CACHE_MODE=redis and for the global RPM limit; ClickHouse only when a DSN
// is set.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0

	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse request log enabled")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one configured key is
// enforced by config validation before we reach here.
func (a *App) initProviders(ctx context.Context) error {
	a.provs = buildProviders(ctx, a.cfg, a.log)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, string(n))
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates everything between the providers and the HTTP layer.
func (a *App) initServices(ctx context.Context) error {
	a.tracker = latency.New(a.cfg.Latency.Window, a.cfg.Latency.Alpha)

	a.reg = registry.New(a.cfg.EnabledProviders(), a.tracker, a.log, registry.Options{
		ErrorThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
		Cooldown:       a.cfg.CircuitBreaker.Cooldown,
	})

	engine := routing.NewEngine(routing.DefaultRules())
	a.selector = routing.NewSelector(a.reg, engine, a.log)

	overrides := make(map[providers.Name]ratelimit.Limits, len(a.cfg.RateLimit.Overrides))
	for p, o := range a.cfg.RateLimit.Overrides {
		overrides[p] = ratelimit.Limits{MaxTokens: o.MaxTokens, RefillPerSec: o.RefillPerSec}
	}
	limiter, err := ratelimit.NewProviderLimiter(
		ratelimit.Limits{
			MaxTokens:    a.cfg.RateLimit.MaxTokens,
			RefillPerSec: a.cfg.RateLimit.RefillPerSec,
		},
		overrides,
	)
	if err != nil {
		return err
	}
	a.limiter = limiter

	if a.cfg.RateLimit.RPMLimit > 0 {
		a.rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("global rpm limit enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if err := a.initCache(ctx); err != nil {
		return err
	}

	counter := telemetry.NewRequestCounter()
	a.costs = telemetry.NewCostTracker(counter)
	a.errors = telemetry.NewErrorTracker(counter)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	reqLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initCache selects the vector index backend per CACHE_MODE.
func (a *App) initCache(ctx context.Context) error {
	if a.cfg.Cache.Mode == "none" {
		a.log.Info("semantic cache disabled")
		return nil
	}

	var (
		index cache.VectorIndex
		err   error
	)
	switch a.cfg.Cache.Mode {
	case "redis":
		index, err = cache.NewRedisIndex(ctx, a.rdb, a.cfg.Cache.EmbeddingDims, a.log)
		if err != nil {
			return fmt.Errorf("cache index: %w", err)
		}
		a.log.Info("cache backend: redis (hnsw)")
	case "memory":
		index = cache.NewMemoryIndex(a.baseCtx)
		a.log.Info("cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	embedder := cache.NewOpenAIEmbedder(
		a.cfg.OpenAI.APIKey,
		a.cfg.Cache.EmbeddingModel,
		a.cfg.Cache.EmbedTimeout,
	)

	a.semCache = cache.NewSemanticCache(index, embedder, cache.Options{
		DistanceThreshold: a.cfg.Cache.DistanceThreshold,
		TTL:               a.cfg.Cache.TTL,
	}, a.log)

	return nil
}

// initGateway wires the proxy and builds the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	gw, err := proxy.NewGateway(proxy.Deps{
		Config:    a.cfg,
		Providers: a.provs,
		Registry:  a.reg,
		Selector:  a.selector,
		Limiter:   a.limiter,
		RPM:       a.rpm,
		Cache:     a.semCache,
		Metrics:   a.prom,
		Costs:     a.costs,
		Errors:    a.errors,
		ReqLog:    a.reqLogger,
		Log:       a.log,
	})
	if err != nil {
		return err
	}

	a.gw = gw
	a.srv = gw.Server()
	return nil
}
