// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Google).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. The provider identity is a closed enumeration: the gateway only
// routes to the three names below, and everything keyed per provider
// (registry entries, token buckets, latency windows) is indexed by Name.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Name identifies one of the supported upstream providers.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Google    Name = "google"
)

// All lists every supported provider in default failover order.
var All = []Name{OpenAI, Anthropic, Google}

// Valid reports whether n is a member of the closed enumeration.
func (n Name) Valid() bool {
	switch n {
	case OpenAI, Anthropic, Google:
		return true
	}
	return false
}

// ParseName validates a provider name from untrusted input (routing headers).
func ParseName(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("providers: unknown provider %q", s)
	}
	return n, nil
}

type (
	// StreamChunk is a single token chunk delivered during a streaming
	// response. Usage arrives at most once, at stream end, when the
	// upstream reports it. A non-nil Err terminates the stream.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest — normalized client request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		TopP        float64
		Stop        []string
		RequestID   string
	}

	// ChatResponse — normalized provider response. Stream is nil for
	// buffered responses; when non-nil the other fields are filled in as
	// far as the provider reports them at stream start.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() Name
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status. The retry strategy and the terminal error handler both key off it.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the shared provider error type. Every adapter converts SDK errors
// into this shape so classification does not depend on SDK internals.
type Error struct {
	Provider Name
	Status   int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
}

func (e *Error) HTTPStatus() int { return e.Status }

// Default timeouts and resiliency constants. Config may override all of them.
const (
	DefaultTimeout   = 30 * time.Second
	MaxRetries       = 2
	CBErrorThreshold = 5
	CBCooldown       = 30 * time.Second
	DefaultBackoff   = 250 * time.Millisecond
	MaxBackoff       = 5 * time.Second
	DefaultLatencyMs = 500
)
