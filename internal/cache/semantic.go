package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polyroute/gateway/internal/providers"
)

const (
	// knnK is the KNN fan-out. More than 1 because the nearest neighbor can
	// fail the temperature/max-tokens post-filter while a slightly farther
	// one passes.
	knnK = 5

	defaultTTL        = time.Hour
	ttlJitterFraction = 0.1
	storeTimeout      = 5 * time.Second
	maxPendingStores  = 8
)

// Options configure a SemanticCache.
type Options struct {
	// DistanceThreshold is the max cosine distance for a hit.
	DistanceThreshold float64

	// TTL for stored entries, jittered ±10% per entry.
	TTL time.Duration
}

// SemanticCache orchestrates embedding, KNN lookup, and async storage.
type SemanticCache struct {
	index     VectorIndex
	embedder  Embedder
	threshold float64
	ttl       time.Duration
	log       *slog.Logger

	stores *errgroup.Group
}

func NewSemanticCache(index VectorIndex, embedder Embedder, opts Options, log *slog.Logger) *SemanticCache {
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	g := &errgroup.Group{}
	g.SetLimit(maxPendingStores)
	return &SemanticCache{
		index:     index,
		embedder:  embedder,
		threshold: opts.DistanceThreshold,
		ttl:       ttl,
		log:       log,
		stores:    g,
	}
}

// Lookup embeds the conversation and searches for a semantically equivalent
// prior response on the same model with matching sampling parameters.
//
// Returns the match (nil on miss) and the query embedding so a subsequent
// Store can reuse it instead of paying for a second embedding call. Every
// failure path is a miss: the cache must never fail a request.
func (c *SemanticCache) Lookup(ctx context.Context, model string, msgs []providers.Message, temperature float64, maxTokens int) (*Match, []float32) {
	if !ValidModelTag(model) {
		c.log.Warn("cache_invalid_model_tag", slog.String("model", model))
		return nil, nil
	}

	vec, err := c.embedder.Embed(ctx, CanonicalText(msgs))
	if err != nil {
		c.log.Warn("cache_embed_failed", slog.String("error", err.Error()))
		return nil, nil
	}

	matches, err := c.index.Search(ctx, model, vec, knnK)
	if err != nil {
		c.log.Warn("cache_search_failed",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return nil, vec
	}

	for i := range matches {
		m := &matches[i]
		if m.Distance > c.threshold {
			// Results come back distance-ascending; the rest are farther.
			break
		}
		if !sameTemperature(m.Entry.Temperature, temperature) {
			continue
		}
		if m.Entry.MaxTokens != maxTokens {
			continue
		}
		return m, vec
	}
	return nil, vec
}

// Store queues an async write of the entry. The write runs on its own
// deadline detached from the request context — the response has already been
// sent by the time this runs. At most maxPendingStores writes run at once;
// beyond that, callers block briefly rather than queue unboundedly.
func (c *SemanticCache) Store(e Entry) {
	if e.Key == "" {
		e.Key = NewKey()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	c.stores.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := c.index.Add(ctx, e, jitterTTL(c.ttl)); err != nil {
			c.log.Warn("cache_store_failed",
				slog.String("key", e.Key),
				slog.String("model", e.Model),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

// Close drains pending stores and closes the index.
func (c *SemanticCache) Close() error {
	_ = c.stores.Wait()
	return c.index.Close()
}

// NewKey builds a cache key: cache:{unixnano}-{uuid8}. The timestamp keeps
// keys roughly sortable; the uuid fragment prevents collisions within one
// nanosecond tick.
func NewKey() string {
	return fmt.Sprintf("%s%d-%s", keyPrefix, time.Now().UnixNano(), uuid.NewString()[:8])
}

// sameTemperature compares at 2-decimal precision so float noise from JSON
// round-trips does not split otherwise identical requests.
func sameTemperature(a, b float64) bool {
	return math.Round(a*100) == math.Round(b*100)
}

// jitterTTL spreads expiry ±10% so entries written together do not all
// expire together.
func jitterTTL(ttl time.Duration) time.Duration {
	j := 1 + ttlJitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(ttl) * j)
}
