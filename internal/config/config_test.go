package config

import (
	"strings"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

const testKey = "unit-test-gateway-key-0123456789abcdef"

// setMinimalEnv sets the smallest valid environment: a gateway key and one
// provider key.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWAY_API_KEY", testKey)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
}

func TestLoad_MinimalValid(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Env != "prod" {
		t.Errorf("expected default env prod, got %s", cfg.Env)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("expected default request timeout 60s, got %s", cfg.RequestTimeout)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("expected default cache mode memory, got %s", cfg.Cache.Mode)
	}
	if cfg.Routing.Strategy != "balanced" {
		t.Errorf("expected default strategy balanced, got %s", cfg.Routing.Strategy)
	}
	if got := cfg.EnabledProviders(); len(got) != 1 || got[0] != providers.OpenAI {
		t.Errorf("expected only openai enabled, got %v", got)
	}
}

func TestLoad_RejectsShortGatewayKey(t *testing.T) {
	t.Setenv("GATEWAY_API_KEY", "too-short")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_API_KEY") {
		t.Errorf("expected gateway key length error, got %v", err)
	}
}

func TestLoad_RequiresAProviderKey(t *testing.T) {
	t.Setenv("GATEWAY_API_KEY", testKey)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "provider API key") {
		t.Errorf("expected missing provider key error, got %v", err)
	}
}

func TestLoad_RequestTimeoutMustCoverProviderTimeouts(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "10s")
	t.Setenv("OPENAI_TIMEOUT", "20s")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REQUEST_TIMEOUT") {
		t.Errorf("expected request timeout error, got %v", err)
	}
}

func TestLoad_RejectsInvalidCacheMode(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("CACHE_MODE", "memcached")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "CACHE_MODE") {
		t.Errorf("expected cache mode error, got %v", err)
	}
}

func TestLoad_RedisCacheRequiresURL(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("CACHE_MODE", "redis")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("expected redis url error, got %v", err)
	}
}

func TestLoad_CacheRequiresOpenAIKeyForEmbeddings(t *testing.T) {
	t.Setenv("GATEWAY_API_KEY", testKey)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	// Default cache mode is memory, which embeds via OpenAI.
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("expected embedding key error, got %v", err)
	}

	// Disabling the cache lifts the requirement.
	t.Setenv("CACHE_MODE", "none")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with CACHE_MODE=none: %v", err)
	}
	if got := cfg.EnabledProviders(); len(got) != 1 || got[0] != providers.Anthropic {
		t.Errorf("expected only anthropic enabled, got %v", got)
	}
}

func TestLoad_RPMLimitRequiresRedis(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RPM_LIMIT", "100")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("expected redis requirement for RPM_LIMIT, got %v", err)
	}
}

func TestLoad_RejectsInvalidStrategy(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("ROUTING_STRATEGY", "cheapest")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ROUTING_STRATEGY") {
		t.Errorf("expected strategy error, got %v", err)
	}
}

func TestLoad_ProviderRateLimitOverride(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RATE_LIMIT_ANTHROPIC_MAX_TOKENS", "5")
	t.Setenv("RATE_LIMIT_ANTHROPIC_REFILL", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	o, ok := cfg.RateLimit.Overrides[providers.Anthropic]
	if !ok {
		t.Fatal("expected an anthropic override")
	}
	if o.MaxTokens != 5 || o.RefillPerSec != 0.5 {
		t.Errorf("unexpected override: %+v", o)
	}
	if _, ok := cfg.RateLimit.Overrides[providers.OpenAI]; ok {
		t.Error("no openai override was configured")
	}
}

func TestLoad_OverrideFallsBackToGlobalRefill(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("RATE_LIMIT_GOOGLE_MAX_TOKENS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.RateLimit.Overrides[providers.Google]
	if o.MaxTokens != 7 {
		t.Errorf("expected max 7, got %d", o.MaxTokens)
	}
	if o.RefillPerSec != 1.0 {
		t.Errorf("expected the global default refill, got %g", o.RefillPerSec)
	}
}

func TestLoad_EnvAndLevelValidation(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("ENV", "staging")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENV") {
		t.Errorf("expected env validation error, got %v", err)
	}

	t.Setenv("ENV", "dev")
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Errorf("expected log level validation error, got %v", err)
	}
}
