package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("response is not a valid error envelope: %v", err)
	}
	return env.Error
}

func TestWrite(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, 400, "bad input", TypeInvalidRequest, CodeInvalidRequest)

	if ctx.Response.StatusCode() != 400 {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.ContentType()); got != "application/json" {
		t.Errorf("expected application/json, got %s", got)
	}
	e := decode(t, ctx)
	if e.Message != "bad input" || e.Type != TypeInvalidRequest || e.Code != CodeInvalidRequest {
		t.Errorf("unexpected error payload: %+v", e)
	}
	if e.Provider != "" {
		t.Errorf("provider must be omitted, got %q", e.Provider)
	}
}

func TestWriteUpstreamStatus(t *testing.T) {
	cases := []struct {
		name     string
		upstream int
		status   int
		errType  string
		code     string
	}{
		{"auth", 401, 401, TypeAuthenticationErr, CodeInvalidAPIKey},
		{"permission", 403, 403, TypePermissionError, CodePermissionDenied},
		{"not found", 404, 404, TypeNotFoundError, CodeModelNotFound},
		{"rate limited", 429, 429, TypeRateLimitError, CodeRateLimitExceeded},
		{"other 4xx passes through", 422, 422, TypeInvalidRequest, CodeInvalidRequest},
		{"500 becomes bad gateway", 500, 502, TypeAPIError, CodeProviderError},
		{"503 becomes bad gateway", 503, 502, TypeAPIError, CodeProviderError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			WriteUpstreamStatus(ctx, c.upstream, "upstream said no", "openai")

			if ctx.Response.StatusCode() != c.status {
				t.Errorf("expected %d, got %d", c.status, ctx.Response.StatusCode())
			}
			e := decode(t, ctx)
			if e.Type != c.errType || e.Code != c.code {
				t.Errorf("expected %s/%s, got %s/%s", c.errType, c.code, e.Type, e.Code)
			}
			if e.Provider != "openai" {
				t.Errorf("expected provider openai, got %q", e.Provider)
			}
		})
	}
}

func TestWriteUpstreamStatus_RateLimitSetsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUpstreamStatus(ctx, 429, "slow down", "google")

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}
}

func TestWriteRateLimit_ClampsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 0)

	if ctx.Response.StatusCode() != 429 {
		t.Errorf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "1" {
		t.Errorf("expected Retry-After clamped to 1, got %q", got)
	}
}

func TestTerminalWriters(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)
	if ctx.Response.StatusCode() != 504 || decode(t, ctx).Code != CodeRequestTimeout {
		t.Errorf("unexpected timeout response: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = &fasthttp.RequestCtx{}
	WriteAllProvidersFailed(ctx, "every provider errored")
	if ctx.Response.StatusCode() != 503 || decode(t, ctx).Code != CodeAllProvidersDown {
		t.Errorf("unexpected exhaustion response: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = &fasthttp.RequestCtx{}
	WriteNoProvider(ctx)
	if ctx.Response.StatusCode() != 503 || decode(t, ctx).Code != CodeNoProvider {
		t.Errorf("unexpected no-provider response: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = &fasthttp.RequestCtx{}
	WriteUnauthorized(ctx)
	if ctx.Response.StatusCode() != 401 || decode(t, ctx).Type != TypeAuthenticationErr {
		t.Errorf("unexpected unauthorized response: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}
