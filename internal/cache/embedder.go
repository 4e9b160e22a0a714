package cache

import (
	"context"
	"fmt"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultEmbedTimeout = 10 * time.Second
	defaultEmbedRetries = 2
)

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API.
// The SDK retries 429/5xx with backoff up to the configured budget; the
// per-call timeout bounds the whole thing so a slow embedding service cannot
// stall the request path.
type OpenAIEmbedder struct {
	client  openaiSDK.Client
	model   string
	timeout time.Duration
}

// NewOpenAIEmbedder creates an embedder for the given model
// (e.g. "text-embedding-3-small").
func NewOpenAIEmbedder(apiKey, model string, timeout time.Duration) *OpenAIEmbedder {
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	return &OpenAIEmbedder{
		client: openaiSDK.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(defaultEmbedRetries),
		),
		model:   model,
		timeout: timeout,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(e.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfString: openaiSDK.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("cache: embed: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
