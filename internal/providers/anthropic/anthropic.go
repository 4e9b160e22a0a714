// Package anthropic adapts the official Anthropic SDK to the gateway
// provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/polyroute/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"

	// The Messages API requires max_tokens; this is the ceiling applied
	// when the client omits it.
	defaultMaxTokens = 4096
)

type Provider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  anthropicSDK.Client
}

type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the upstream HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropicSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
	)

	return p
}

func (p *Provider) Name() providers.Name { return providers.Anthropic }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)
	if req.Stream {
		return p.handleStreaming(ctx, params)
	}
	return p.handleResponse(ctx, params)
}

// buildParams maps the normalized request onto the Messages API. System and
// developer turns fold into the system prompt; everything else alternates
// user/assistant.
func buildParams(req *providers.ChatRequest) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropicSDK.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	anthRole := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropicSDK.MessageParamRoleAssistant
	}

	return anthropicSDK.MessageParam{
		Role: anthRole,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{
				OfText: &anthropicSDK.TextBlockParam{Text: content},
			},
		},
	}
}

func (p *Provider) handleResponse(ctx context.Context, params anthropicSDK.MessageNewParams) (*providers.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(ctx context.Context, params anthropicSDK.MessageNewParams) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}

			case anthropicSDK.MessageDeltaEvent:
				if eventVariant.Usage.OutputTokens > 0 {
					ch <- providers.StreamChunk{
						Usage: &providers.Usage{
							OutputTokens: int(eventVariant.Usage.OutputTokens),
						},
					}
				}

			case anthropicSDK.MessageStopEvent:
				ch <- providers.StreamChunk{FinishReason: "stop"}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func toProviderError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: providers.Anthropic,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return err
}
