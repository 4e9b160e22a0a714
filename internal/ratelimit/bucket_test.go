package ratelimit

import (
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// fakeClock drives a bucket deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(t *testing.T, max int, refill float64) (*Bucket, *fakeClock) {
	t.Helper()
	b, err := NewBucket(max, refill)
	if err != nil {
		t.Fatalf("NewBucket: %v", err)
	}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b.now = clk.now
	b.lastRefill = clk.t
	return b, clk
}

func TestNewBucket_InvalidConfig(t *testing.T) {
	if _, err := NewBucket(0, 1.0); err == nil {
		t.Error("expected error for max=0")
	}
	if _, err := NewBucket(-1, 1.0); err == nil {
		t.Error("expected error for negative max")
	}
	if _, err := NewBucket(10, 0); err == nil {
		t.Error("expected error for refill=0")
	}
	if _, err := NewBucket(10, -0.5); err == nil {
		t.Error("expected error for negative refill")
	}
}

func TestBucket_StartsFull(t *testing.T) {
	b, _ := newTestBucket(t, 5, 1.0)
	if got := b.Remaining(); got != 5 {
		t.Errorf("expected 5 tokens at start, got %d", got)
	}
}

func TestBucket_TryAcquireDrains(t *testing.T) {
	b, _ := newTestBucket(t, 3, 1.0)

	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if b.TryAcquire() {
		t.Error("acquire on empty bucket should fail")
	}
	if got := b.Remaining(); got != 0 {
		t.Errorf("expected 0 remaining, got %d", got)
	}
}

func TestBucket_FractionalRefill(t *testing.T) {
	b, clk := newTestBucket(t, 2, 1.0)
	b.TryAcquire()
	b.TryAcquire()

	// Half a token accumulated: still not acquirable.
	clk.advance(500 * time.Millisecond)
	if b.TryAcquire() {
		t.Error("half a token should not admit a request")
	}

	// The other half arrives.
	clk.advance(500 * time.Millisecond)
	if !b.TryAcquire() {
		t.Error("one whole token should admit a request")
	}
}

func TestBucket_RefillCapsAtMax(t *testing.T) {
	b, clk := newTestBucket(t, 2, 10.0)
	clk.advance(time.Hour)
	if got := b.Remaining(); got != 2 {
		t.Errorf("expected refill capped at 2, got %d", got)
	}
}

func TestBucket_RetryAfter(t *testing.T) {
	b, _ := newTestBucket(t, 1, 0.5)

	if got := b.RetryAfter(); got != 0 {
		t.Errorf("full bucket: expected 0, got %s", got)
	}

	b.TryAcquire()
	// Deficit of one token at 0.5/s is 2s.
	if got := b.RetryAfter(); got != 2*time.Second {
		t.Errorf("expected 2s, got %s", got)
	}
}

func TestBucket_RetryAfterMinimumOneSecond(t *testing.T) {
	b, clk := newTestBucket(t, 1, 10.0)
	b.TryAcquire()
	clk.advance(50 * time.Millisecond) // 0.5 tokens accumulated

	if got := b.RetryAfter(); got != time.Second {
		t.Errorf("expected minimum 1s, got %s", got)
	}
}

func TestProviderLimiter_Overrides(t *testing.T) {
	pl, err := NewProviderLimiter(
		Limits{MaxTokens: 10, RefillPerSec: 1.0},
		map[providers.Name]Limits{
			providers.Anthropic: {MaxTokens: 3, RefillPerSec: 0.5},
		},
	)
	if err != nil {
		t.Fatalf("NewProviderLimiter: %v", err)
	}

	if got := pl.Bucket(providers.OpenAI).Max(); got != 10 {
		t.Errorf("default bucket max: expected 10, got %d", got)
	}
	if got := pl.Bucket(providers.Anthropic).Max(); got != 3 {
		t.Errorf("override bucket max: expected 3, got %d", got)
	}

	// Same bucket on repeated access.
	if pl.Bucket(providers.OpenAI) != pl.Bucket(providers.OpenAI) {
		t.Error("expected the same bucket instance per provider")
	}
}

func TestProviderLimiter_RejectsBadOverride(t *testing.T) {
	_, err := NewProviderLimiter(
		Limits{MaxTokens: 10, RefillPerSec: 1.0},
		map[providers.Name]Limits{
			providers.Google: {MaxTokens: 0, RefillPerSec: 1.0},
		},
	)
	if err == nil {
		t.Error("expected error for zero-capacity override")
	}
}
