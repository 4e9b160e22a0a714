package proxy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/routing"
)

// Request body limits per the OpenAI-compatible contract.
const (
	maxModelLen   = 128
	maxMessages   = 256
	maxContentLen = 100_000
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest mirrors the OpenAI POST /v1/chat/completions body.
	// "stop" accepts a string or array of strings, normalized in
	// parseStop.
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		TopP        *float64         `json:"top_p"`
		Stream      bool             `json:"stream"`
		Stop        json.RawMessage  `json:"stop"`
	}
)

// parseChatRequest unmarshals and validates the body, returning the
// normalized request or a list of validation issues. The body is parsed
// exactly once; downstream middleware reads the result from the request
// context.
func parseChatRequest(body []byte) (*providers.ChatRequest, []string) {
	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, []string{fmt.Sprintf("invalid JSON: %s", err.Error())}
	}

	var issues []string

	if req.Model == "" {
		issues = append(issues, "field 'model' is required")
	} else if len(req.Model) > maxModelLen {
		issues = append(issues, fmt.Sprintf("field 'model' exceeds %d characters", maxModelLen))
	}

	switch {
	case len(req.Messages) == 0:
		issues = append(issues, "field 'messages' must contain at least 1 item")
	case len(req.Messages) > maxMessages:
		issues = append(issues, fmt.Sprintf("field 'messages' exceeds %d items", maxMessages))
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			issues = append(issues, fmt.Sprintf("messages[%d].role must be system, user, or assistant", i))
		}
		if len(m.Content) > maxContentLen {
			issues = append(issues, fmt.Sprintf("messages[%d].content exceeds %d characters", i, maxContentLen))
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		issues = append(issues, "field 'temperature' must be between 0 and 2")
	}
	if req.MaxTokens < 0 {
		issues = append(issues, "field 'max_tokens' must be a positive integer")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		issues = append(issues, "field 'top_p' must be between 0 and 1")
	}

	stop, err := parseStop(req.Stop)
	if err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) > 0 {
		return nil, issues
	}

	out := &providers.ChatRequest{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
		Stop:      stop,
		Messages:  make([]providers.Message, len(req.Messages)),
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	for i, m := range req.Messages {
		out.Messages[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

// parseStop normalizes the "stop" field, which may be absent, a string, or
// an array of strings.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	return nil, fmt.Errorf("field 'stop' must be a string or array of strings")
}

// parseRoutingHints reads the x-routing-* headers. Returns an error for
// values that fail validation — a typoed provider name must be rejected, not
// silently ignored.
func parseRoutingHints(ctx *fasthttp.RequestCtx, defaultStrategy routing.Strategy) (routing.Hints, error) {
	h := routing.Hints{Strategy: defaultStrategy}

	if s := string(ctx.Request.Header.Peek("x-routing-strategy")); s != "" {
		switch routing.Strategy(s) {
		case routing.StrategyBalanced, routing.StrategyCost, routing.StrategyLatency, routing.StrategyCapability:
			h.Strategy = routing.Strategy(s)
		default:
			return h, fmt.Errorf("invalid x-routing-strategy %q", s)
		}
	}

	if s := string(ctx.Request.Header.Peek("x-routing-prefer-provider")); s != "" {
		p, err := providers.ParseName(s)
		if err != nil {
			return h, fmt.Errorf("invalid x-routing-prefer-provider %q", s)
		}
		h.PreferProvider = p
	}

	if s := string(ctx.Request.Header.Peek("x-routing-max-latency-ms")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return h, fmt.Errorf("invalid x-routing-max-latency-ms %q", s)
		}
		h.MaxLatencyMs = float64(n)
	}

	if s := string(ctx.Request.Header.Peek("x-routing-max-cost")); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			return h, fmt.Errorf("invalid x-routing-max-cost %q", s)
		}
		h.MaxCostPer1K = f
	}

	return h, nil
}

// estimateInputTokens is the rough chars/4 heuristic used only for routing
// metadata, never for billing.
func estimateInputTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return (total + 3) / 4
}

// skipCacheHeader reports whether the client opted out of the cache.
func skipCacheHeader(ctx *fasthttp.RequestCtx) bool {
	return strings.EqualFold(string(ctx.Request.Header.Peek("X-Skip-Cache")), "true")
}
