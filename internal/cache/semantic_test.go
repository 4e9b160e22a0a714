package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}

type stubIndex struct {
	mu      sync.Mutex
	matches []Match
	search  error
	added   []Entry
	addTTLs []time.Duration
}

func (s *stubIndex) Search(context.Context, string, []float32, int) ([]Match, error) {
	return s.matches, s.search
}

func (s *stubIndex) Add(_ context.Context, e Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, e)
	s.addTTLs = append(s.addTTLs, ttl)
	return nil
}

func (s *stubIndex) Close() error { return nil }

var userMsg = []providers.Message{{Role: "user", Content: "hello"}}

func newTestCache(idx *stubIndex, emb *stubEmbedder, threshold float64) *SemanticCache {
	return NewSemanticCache(idx, emb, Options{DistanceThreshold: threshold, TTL: time.Hour}, nil)
}

func TestSemanticCache_HitWithinThreshold(t *testing.T) {
	idx := &stubIndex{matches: []Match{
		{Entry: Entry{Key: "k1", Model: "gpt-4o", Content: "cached"}, Distance: 0.05},
	}}
	c := newTestCache(idx, &stubEmbedder{vec: []float32{1, 0}}, 0.1)

	match, vec := c.Lookup(context.Background(), "gpt-4o", userMsg, 0, 0)
	if match == nil {
		t.Fatal("expected a hit")
	}
	if match.Entry.Content != "cached" {
		t.Errorf("unexpected entry: %+v", match.Entry)
	}
	if vec == nil {
		t.Error("the query embedding must be returned for reuse")
	}
}

func TestSemanticCache_MissBeyondThreshold(t *testing.T) {
	idx := &stubIndex{matches: []Match{
		{Entry: Entry{Key: "k1", Model: "gpt-4o"}, Distance: 0.5},
	}}
	c := newTestCache(idx, &stubEmbedder{vec: []float32{1, 0}}, 0.1)

	match, vec := c.Lookup(context.Background(), "gpt-4o", userMsg, 0, 0)
	if match != nil {
		t.Errorf("distance beyond threshold must miss, got %+v", match)
	}
	if vec == nil {
		t.Error("a miss still returns the embedding")
	}
}

func TestSemanticCache_ParameterPostFilter(t *testing.T) {
	entry := func(temp float64, maxTokens int) Match {
		return Match{
			Entry:    Entry{Key: "k", Model: "gpt-4o", Temperature: temp, MaxTokens: maxTokens},
			Distance: 0.01,
		}
	}

	t.Run("temperature mismatch", func(t *testing.T) {
		idx := &stubIndex{matches: []Match{entry(0.7, 100)}}
		c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)
		if m, _ := c.Lookup(context.Background(), "gpt-4o", userMsg, 0.9, 100); m != nil {
			t.Error("different temperature must not hit")
		}
	})

	t.Run("temperature float noise", func(t *testing.T) {
		idx := &stubIndex{matches: []Match{entry(0.7, 100)}}
		c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)
		if m, _ := c.Lookup(context.Background(), "gpt-4o", userMsg, 0.7000001, 100); m == nil {
			t.Error("sub-centesimal temperature noise must still hit")
		}
	})

	t.Run("max_tokens mismatch", func(t *testing.T) {
		idx := &stubIndex{matches: []Match{entry(0.7, 100)}}
		c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)
		if m, _ := c.Lookup(context.Background(), "gpt-4o", userMsg, 0.7, 200); m != nil {
			t.Error("different max_tokens must not hit")
		}
	})

	t.Run("farther entry passes filter", func(t *testing.T) {
		idx := &stubIndex{matches: []Match{
			entry(0.2, 100), // nearest, wrong temperature
			{Entry: Entry{Key: "k2", Model: "gpt-4o", Temperature: 0.7, MaxTokens: 100}, Distance: 0.05},
		}}
		c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)
		m, _ := c.Lookup(context.Background(), "gpt-4o", userMsg, 0.7, 100)
		if m == nil || m.Entry.Key != "k2" {
			t.Errorf("expected the farther compatible entry, got %+v", m)
		}
	})
}

func TestSemanticCache_EmbedErrorIsMiss(t *testing.T) {
	idx := &stubIndex{}
	c := newTestCache(idx, &stubEmbedder{err: errors.New("embedding api down")}, 0.1)

	match, vec := c.Lookup(context.Background(), "gpt-4o", userMsg, 0, 0)
	if match != nil || vec != nil {
		t.Errorf("embed failure must be a plain miss, got match=%v vec=%v", match, vec)
	}
}

func TestSemanticCache_SearchErrorIsMiss(t *testing.T) {
	idx := &stubIndex{search: errors.New("index offline")}
	c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)

	match, vec := c.Lookup(context.Background(), "gpt-4o", userMsg, 0, 0)
	if match != nil {
		t.Errorf("search failure must be a miss, got %+v", match)
	}
	if vec == nil {
		t.Error("the embedding survives a search failure")
	}
}

func TestSemanticCache_InvalidModelTagIsMiss(t *testing.T) {
	idx := &stubIndex{}
	c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)

	if m, _ := c.Lookup(context.Background(), "model{bad}", userMsg, 0, 0); m != nil {
		t.Error("invalid model tags must never reach the index")
	}
}

func TestSemanticCache_StoreAsync(t *testing.T) {
	idx := &stubIndex{}
	c := newTestCache(idx, &stubEmbedder{vec: []float32{1}}, 0.1)

	c.Store(Entry{Model: "gpt-4o", Content: "answer", Embedding: []float32{1}})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(idx.added) != 1 {
		t.Fatalf("expected 1 stored entry after Close, got %d", len(idx.added))
	}
	e := idx.added[0]
	if e.Key == "" {
		t.Error("Store must assign a key")
	}
	if e.CreatedAt.IsZero() {
		t.Error("Store must stamp CreatedAt")
	}

	// TTL is jittered ±10% around the configured hour.
	ttl := idx.addTTLs[0]
	if ttl < 54*time.Minute || ttl > 66*time.Minute {
		t.Errorf("TTL %s outside jitter bounds", ttl)
	}
}
