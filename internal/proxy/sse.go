package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/providers"
)

type (
	chatDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	streamChoice struct {
		Index        int       `json:"index"`
		Delta        chatDelta `json:"delta"`
		FinishReason *string   `json:"finish_reason"`
	}
	streamChunkResponse struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []streamChoice `json:"choices"`
	}
)

// writeSSE relays the upstream stream as server-sent events. The body writer
// runs after the handler chain unwinds, so it owns the deadline cancel and
// the end-of-stream registry report for this attempt.
//
// Usage at stream end comes from the upstream when reported; otherwise the
// ceil(chars/4) estimate applies when enabled.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, result *FallbackResult, requestID string) {
	cancel, _ := ctx.UserValue(keyDeadlineCancel).(context.CancelFunc)

	h := &ctx.Response.Header
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	id := result.Response.ID
	if id == "" {
		id = "chatcmpl-" + requestID
	}
	provider := result.Provider
	model := result.Model
	stream := result.Response.Stream
	inputTokens := result.Response.Usage.InputTokens
	created := time.Now().Unix()
	start := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		if cancel != nil {
			defer cancel()
		}

		var (
			out       strings.Builder
			usage     *providers.Usage
			streamErr error
			first     = true
		)

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Usage != nil {
				u := *chunk.Usage
				usage = &u
			}
			if chunk.Content == "" && chunk.FinishReason == "" {
				continue
			}

			env := streamChunkResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []streamChoice{{Delta: chatDelta{Content: chunk.Content}}},
			}
			if first {
				env.Choices[0].Delta.Role = "assistant"
				first = false
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				env.Choices[0].FinishReason = &fr
			}

			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			if err := w.Flush(); err != nil {
				// Client went away. Cancel the upstream first so the producer
				// stops promptly, then drain whatever it already queued.
				if cancel != nil {
					cancel()
				}
				drain(stream)
				return
			}
			out.WriteString(chunk.Content)
		}

		if streamErr != nil {
			g.registry.ReportError(provider, model, streamErr)
			g.errors.Record(requestID, provider, model, upstreamStatus(streamErr), streamErr.Error())
			g.log.Error("stream_failed",
				slog.String("id", requestID),
				slog.String("provider", string(provider)),
				slog.String("error", streamErr.Error()),
			)
			writeStreamError(w, g.scrub(streamErr.Error()))
			drain(stream)
			return
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()

		g.registry.ReportSuccess(provider, model, float64(time.Since(start).Milliseconds()))

		final := providers.Usage{InputTokens: inputTokens}
		if usage != nil {
			final = *usage
			if final.InputTokens == 0 {
				final.InputTokens = inputTokens
			}
		} else if g.estimateTokens {
			final.OutputTokens = (out.Len() + 3) / 4
		}
		g.metrics.AddTokens(string(provider), final.InputTokens, final.OutputTokens)
		g.costs.Record(requestID, provider, model, final, false)
	})
}

// writeStreamError emits a terminal error event. The HTTP status is already
// 200 at this point; the error travels in-band, matching the OpenAI SSE
// behavior for mid-stream failures.
func writeStreamError(w *bufio.Writer, msg string) {
	body, err := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "api_error",
			"code":    "stream_error",
		},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
	fmt.Fprint(w, "data: [DONE]\n\n")
	_ = w.Flush()
}

// drain consumes leftover chunks so the producer goroutine can exit.
func drain(stream <-chan providers.StreamChunk) {
	for range stream {
	}
}
