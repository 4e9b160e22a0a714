// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Only one upstream provider key is strictly required for the gateway to
// start. Redis is optional — set CACHE_MODE=memory to use the built-in
// in-process vector index with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/polyroute/gateway/internal/providers"
)

// minGatewayKeyLen is the minimum accepted GATEWAY_API_KEY length. Shorter
// keys are brute-forceable and always a deployment mistake.
const minGatewayKeyLen = 32

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Env is the deployment environment: "dev" or "prod". In prod, upstream
	// error messages are replaced with generic text in responses. Default:
	// prod.
	Env string

	// GatewayAPIKey authenticates clients on /v1/* and /metrics.
	// Must be at least 32 characters.
	GatewayAPIKey string

	// RequestTimeout is the default overall request deadline. Must be ≥
	// every per-provider timeout. Default: 60s.
	RequestTimeout time.Duration

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Google    ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and the
	// global RPM limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	Cache          CacheConfig
	RateLimit      RateLimitConfig
	Routing        RoutingConfig
	CircuitBreaker CircuitBreakerConfig
	Latency        LatencyConfig

	// ClickHouseDSN enables the durable request-log sink when non-empty.
	ClickHouseDSN string
}

// ProviderConfig holds configuration for one upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Useful for local
	// mocks. Leave empty for the default.
	BaseURL string

	// Timeout is the per-provider upstream call timeout. Default: 30s.
	Timeout time.Duration
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the semantic response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — RediSearch HNSW index (requires REDIS_URL).
	//   "memory" — in-process index. Not shared across replicas.
	//   "none"   — cache disabled.
	// Default: "memory".
	Mode string

	// TTL for cached responses, jittered ±10% per entry. Default: 1h.
	TTL time.Duration

	// DistanceThreshold is the max cosine distance for a hit. Default: 0.1.
	DistanceThreshold float64

	// EmbeddingModel generates the lookup vectors.
	// Default: text-embedding-3-small.
	EmbeddingModel string

	// EmbeddingDims must match the embedding model output. Default: 1536.
	EmbeddingDims int

	// EmbedTimeout bounds each embedding API call. Default: 10s.
	EmbedTimeout time.Duration
}

// RateLimitConfig controls admission.
type RateLimitConfig struct {
	// MaxTokens / RefillPerSec are the default per-provider bucket
	// parameters. Defaults: 60 tokens, 1.0/s.
	MaxTokens    int
	RefillPerSec float64

	// Overrides replaces the defaults for specific providers, from
	// RATE_LIMIT_<PROVIDER>_MAX_TOKENS / RATE_LIMIT_<PROVIDER>_REFILL.
	Overrides map[providers.Name]OverrideLimits

	// RPMLimit is a global requests-per-minute cap enforced through Redis.
	// 0 disables it. Default: 0.
	RPMLimit int
}

// OverrideLimits is one provider's bucket override.
type OverrideLimits struct {
	MaxTokens    int
	RefillPerSec float64
}

// RoutingConfig controls provider selection and failover.
type RoutingConfig struct {
	// Strategy is the default scoring strategy: balanced, cost, latency, or
	// capability. Per-request x-routing-strategy overrides it. Default:
	// balanced.
	Strategy string

	// MaxRetries is the extra same-provider attempts after the first.
	// Default: 2.
	MaxRetries int

	// BackoffBase / BackoffMax bound the exponential retry backoff.
	// Defaults: 250ms / 5s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// EstimateStreamTokens enables the ceil(chars/4) output-token estimate
	// when a streaming upstream omits usage. The estimate is rough; off by
	// default.
	EstimateStreamTokens bool
}

// CircuitBreakerConfig controls the per-provider breaker.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the consecutive-error count that opens the circuit.
	// Default: 5.
	ErrorThreshold int

	// Cooldown is how long an open circuit rejects traffic before a
	// half-open probe is allowed. Default: 30s.
	Cooldown time.Duration
}

// LatencyConfig controls the latency tracker.
type LatencyConfig struct {
	// Window is the per-provider sample window size. Default: 100.
	Window int

	// Alpha is the EMA smoothing factor in (0, 1]. Default: 0.3.
	Alpha float64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "prod")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	v.SetDefault("OPENAI_TIMEOUT", "30s")
	v.SetDefault("ANTHROPIC_TIMEOUT", "30s")
	v.SetDefault("GOOGLE_TIMEOUT", "30s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_DISTANCE_THRESHOLD", 0.1)
	v.SetDefault("CACHE_EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("CACHE_EMBEDDING_DIMS", 1536)
	v.SetDefault("CACHE_EMBED_TIMEOUT", "10s")

	v.SetDefault("RATE_LIMIT_MAX_TOKENS", 60)
	v.SetDefault("RATE_LIMIT_REFILL_PER_SEC", 1.0)
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("ROUTING_STRATEGY", "balanced")
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("BACKOFF_BASE", "250ms")
	v.SetDefault("BACKOFF_MAX", "5s")
	v.SetDefault("ESTIMATE_STREAM_TOKENS", false)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("LATENCY_WINDOW", 100)
	v.SetDefault("LATENCY_ALPHA", 0.3)

	cfg := &Config{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:            strings.ToLower(v.GetString("ENV")),
		GatewayAPIKey:  v.GetString("GATEWAY_API_KEY"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Timeout: v.GetDuration("OPENAI_TIMEOUT"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Timeout: v.GetDuration("ANTHROPIC_TIMEOUT"),
		},
		Google: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GOOGLE_BASE_URL"),
			Timeout: v.GetDuration("GOOGLE_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:              strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:               v.GetDuration("CACHE_TTL"),
			DistanceThreshold: v.GetFloat64("CACHE_DISTANCE_THRESHOLD"),
			EmbeddingModel:    v.GetString("CACHE_EMBEDDING_MODEL"),
			EmbeddingDims:     v.GetInt("CACHE_EMBEDDING_DIMS"),
			EmbedTimeout:      v.GetDuration("CACHE_EMBED_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			MaxTokens:    v.GetInt("RATE_LIMIT_MAX_TOKENS"),
			RefillPerSec: v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC"),
			Overrides:    loadOverrides(v),
			RPMLimit:     v.GetInt("RPM_LIMIT"),
		},

		Routing: RoutingConfig{
			Strategy:             strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			MaxRetries:           v.GetInt("MAX_RETRIES"),
			BackoffBase:          v.GetDuration("BACKOFF_BASE"),
			BackoffMax:           v.GetDuration("BACKOFF_MAX"),
			EstimateStreamTokens: v.GetBool("ESTIMATE_STREAM_TOKENS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			Cooldown:       v.GetDuration("CB_COOLDOWN"),
		},

		Latency: LatencyConfig{
			Window: v.GetInt("LATENCY_WINDOW"),
			Alpha:  v.GetFloat64("LATENCY_ALPHA"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOverrides reads per-provider bucket overrides. A provider override is
// present when its MAX_TOKENS variable is set; REFILL falls back to the
// global default.
func loadOverrides(v *viper.Viper) map[providers.Name]OverrideLimits {
	out := make(map[providers.Name]OverrideLimits)
	for _, p := range providers.All {
		upper := strings.ToUpper(string(p))
		maxKey := "RATE_LIMIT_" + upper + "_MAX_TOKENS"
		refillKey := "RATE_LIMIT_" + upper + "_REFILL"
		if !v.IsSet(maxKey) && !v.IsSet(refillKey) {
			continue
		}
		o := OverrideLimits{
			MaxTokens:    v.GetInt(maxKey),
			RefillPerSec: v.GetFloat64(refillKey),
		}
		if o.MaxTokens == 0 {
			o.MaxTokens = v.GetInt("RATE_LIMIT_MAX_TOKENS")
		}
		if o.RefillPerSec == 0 {
			o.RefillPerSec = v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC")
		}
		out[p] = o
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if len(c.GatewayAPIKey) < minGatewayKeyLen {
		return fmt.Errorf("config: GATEWAY_API_KEY must be at least %d characters, got %d",
			minGatewayKeyLen, len(c.GatewayAPIKey))
	}

	if !c.AtLeastOneProviderKey() {
		return errors.New(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	switch c.Env {
	case "dev", "prod":
	default:
		return fmt.Errorf("config: invalid ENV %q; must be dev or prod", c.Env)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	// The overall deadline must cover every provider's timeout, otherwise
	// the per-attempt timeout can never be reached and the deadline header
	// semantics break.
	maxProvider := c.OpenAI.Timeout
	if c.Anthropic.Timeout > maxProvider {
		maxProvider = c.Anthropic.Timeout
	}
	if c.Google.Timeout > maxProvider {
		maxProvider = c.Google.Timeout
	}
	if c.RequestTimeout < maxProvider {
		return fmt.Errorf("config: REQUEST_TIMEOUT (%s) must be ≥ the largest provider timeout (%s)",
			c.RequestTimeout, maxProvider)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the built-in in-process index")
	}
	if c.Cache.Mode != "none" {
		if c.Cache.DistanceThreshold <= 0 || c.Cache.DistanceThreshold > 2 {
			return fmt.Errorf("config: CACHE_DISTANCE_THRESHOLD must be in (0, 2], got %g", c.Cache.DistanceThreshold)
		}
		if c.Cache.EmbeddingDims <= 0 {
			return fmt.Errorf("config: CACHE_EMBEDDING_DIMS must be > 0, got %d", c.Cache.EmbeddingDims)
		}
		if c.Cache.EmbeddingModel == "" {
			return errors.New("config: CACHE_EMBEDDING_MODEL must not be empty")
		}
		if c.OpenAI.APIKey == "" {
			return errors.New("config: semantic cache requires OPENAI_API_KEY for embeddings; " +
				"set CACHE_MODE=none to disable")
		}
	}

	if c.RateLimit.MaxTokens <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_TOKENS must be > 0, got %d", c.RateLimit.MaxTokens)
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_REFILL_PER_SEC must be > 0, got %g", c.RateLimit.RefillPerSec)
	}
	for p, o := range c.RateLimit.Overrides {
		if o.MaxTokens <= 0 || o.RefillPerSec <= 0 {
			return fmt.Errorf("config: rate limit override for %s must be positive", p)
		}
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return errors.New("config: RPM_LIMIT requires REDIS_URL")
	}

	switch c.Routing.Strategy {
	case "balanced", "cost", "latency", "capability":
	default:
		return fmt.Errorf("config: invalid ROUTING_STRATEGY %q; must be one of: balanced, cost, latency, capability",
			c.Routing.Strategy)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.BackoffBase <= 0 || c.Routing.BackoffMax < c.Routing.BackoffBase {
		return errors.New("config: BACKOFF_BASE must be positive and BACKOFF_MAX ≥ BACKOFF_BASE")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return errors.New("config: CB_COOLDOWN must be a positive duration")
	}

	if c.Latency.Window < 1 {
		return fmt.Errorf("config: LATENCY_WINDOW must be ≥ 1, got %d", c.Latency.Window)
	}
	if c.Latency.Alpha <= 0 || c.Latency.Alpha > 1 {
		return fmt.Errorf("config: LATENCY_ALPHA must be in (0, 1], got %g", c.Latency.Alpha)
	}

	return nil
}

// AtLeastOneProviderKey reports whether any upstream is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" || c.Anthropic.APIKey != "" || c.Google.APIKey != ""
}

// EnabledProviders lists the providers with configured keys.
func (c *Config) EnabledProviders() []providers.Name {
	var out []providers.Name
	if c.OpenAI.APIKey != "" {
		out = append(out, providers.OpenAI)
	}
	if c.Anthropic.APIKey != "" {
		out = append(out, providers.Anthropic)
	}
	if c.Google.APIKey != "" {
		out = append(out, providers.Google)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
