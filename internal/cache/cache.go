// Package cache implements semantic response caching: requests are embedded
// into dense vectors and matched against prior responses by cosine distance,
// scoped per model.
//
// Two index backends are available:
//   - RedisIndex  — RediSearch HNSW index, recommended for production.
//   - MemoryIndex — in-process brute-force cosine scan, zero external
//     dependencies. For single-instance deployments and tests.
//
// Graceful degradation throughout: any embedding or index error surfaces as
// a cache miss with a warning log, never as a request failure.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// Status is the X-Cache response header value.
type Status string

const (
	StatusHit      Status = "HIT"
	StatusMiss     Status = "MISS"
	StatusSkip     Status = "SKIP"     // bypassed: X-Skip-Cache or streaming
	StatusDisabled Status = "DISABLED" // cache off in config
)

// Entry is one stored response.
type Entry struct {
	Key           string          `json:"key"`
	Model         string          `json:"model"`
	CanonicalText string          `json:"canonical_text"`
	Response      json.RawMessage `json:"response"`
	Content       string          `json:"content"`
	Usage         providers.Usage `json:"usage"`
	Embedding     []float32       `json:"-"`
	Temperature   float64         `json:"temperature"`
	MaxTokens     int             `json:"max_tokens"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Match is one KNN result. Distance is cosine distance: 0 identical,
// 2 opposite.
type Match struct {
	Entry    Entry
	Distance float64
}

// Embedder turns canonical request text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the storage backend for semantic lookup. Search returns up
// to k nearest entries for the model, closest first; the orchestrator
// post-filters by distance and parameters.
type VectorIndex interface {
	Search(ctx context.Context, model string, vec []float32, k int) ([]Match, error)
	Add(ctx context.Context, e Entry, ttl time.Duration) error
	Close() error
}
