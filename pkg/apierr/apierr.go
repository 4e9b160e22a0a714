// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeTimeoutError      = "timeout_error"
	TypeServerError       = "server_error"
	TypeInternalError     = "internal_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodePermissionDenied  = "permission_denied"
	CodeModelNotFound     = "model_not_found"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeRequestTimeout    = "request_timeout"
	CodeProviderError     = "provider_error"
	CodeNoProvider        = "no_provider_available"
	CodeAllProvidersDown  = "all_providers_failed"
	CodeRequestTooLarge   = "request_too_large"
	CodeInternalError     = "internal_error"
	CodeShuttingDown      = "shutting_down"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code"`
		Provider string `json:"provider,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteWithProvider(ctx, status, message, errType, code, "")
}

// WriteWithProvider is Write plus the provider field, used when the failure is
// attributable to a single upstream provider.
func WriteWithProvider(ctx *fasthttp.RequestCtx, status int, message, errType, code, provider string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:  message,
		Type:     errType,
		Code:     code,
		Provider: provider,
	}})
	ctx.SetBody(body)
}

// WriteUpstreamStatus maps an upstream provider HTTP status to the OpenAI
// error type table:
//
//	401 → authentication_error   403 → permission_error
//	404 → not_found_error        429 → rate_limit_error
//	4xx → invalid_request_error  5xx → api_error (502)
func WriteUpstreamStatus(ctx *fasthttp.RequestCtx, upstreamStatus int, msg, provider string) {
	switch {
	case upstreamStatus == fasthttp.StatusUnauthorized:
		WriteWithProvider(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey, provider)
	case upstreamStatus == fasthttp.StatusForbidden:
		WriteWithProvider(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, CodePermissionDenied, provider)
	case upstreamStatus == fasthttp.StatusNotFound:
		WriteWithProvider(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundError, CodeModelNotFound, provider)
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		WriteWithProvider(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded, provider)
	case upstreamStatus >= 400 && upstreamStatus < 500:
		WriteWithProvider(ctx, upstreamStatus, msg, TypeInvalidRequest, CodeInvalidRequest, provider)
	default:
		WriteWithProvider(ctx, fasthttp.StatusBadGateway, msg, TypeAPIError, CodeProviderError, provider)
	}
}

// WriteTimeout writes the 504 deadline-exceeded error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request deadline exceeded", TypeTimeoutError, CodeRequestTimeout)
}

// WriteAllProvidersFailed writes the 503 failover-exhausted error.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServerError, CodeAllProvidersDown)
}

// WriteNoProvider writes the 503 returned when routing finds no candidate.
func WriteNoProvider(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no provider available for this request", TypeServerError, CodeNoProvider)
}

// WriteRateLimit writes a 429 with the Retry-After hint in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnauthorized writes a 401 for a missing or invalid gateway key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}
