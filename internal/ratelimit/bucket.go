// Package ratelimit implements admission control for upstream providers.
//
// Two layers are available:
//   - Bucket / ProviderLimiter — per-provider token buckets with fractional
//     lazy refill. This is the primary admission check and runs entirely
//     in-process (no I/O on the hot path).
//   - RPMLimiter — optional global requests-per-minute limit backed by a
//     Redis sliding window. Enabled only when Redis is configured.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// Bucket is a classical token bucket with fractional refill.
//
// Tokens accumulate continuously at refillPerSec and are spent one whole
// token per request. Refill is lazy: computed on access from the monotonic
// clock delta since the last access. Invariant: tokens ∈ [0, max].
type Bucket struct {
	mu sync.Mutex

	max          float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time

	// now is swapped in tests to drive the clock deterministically.
	now func() time.Time
}

// NewBucket creates a full bucket. Returns an error when max ≤ 0 or
// refillPerSec ≤ 0 — a zero-capacity or never-refilling bucket would block
// every request forever, which is always a configuration mistake.
func NewBucket(max int, refillPerSec float64) (*Bucket, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit: max tokens must be > 0, got %d", max)
	}
	if refillPerSec <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be > 0, got %g", refillPerSec)
	}
	b := &Bucket{
		max:          float64(max),
		refillPerSec: refillPerSec,
		tokens:       float64(max),
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b, nil
}

// refillLocked advances the token count from the wall-clock delta.
// Caller holds b.mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.max, b.tokens+elapsed*b.refillPerSec)
	b.lastRefill = now
}

// TryAcquire atomically refills and, when at least one whole token is
// available, spends it. Returns false without blocking when the bucket is
// empty — the caller rejects the request rather than queueing it.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the current whole-token count after a refill.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return int(b.tokens)
}

// RetryAfter returns how long until one whole token is available, rounded up
// to whole seconds, minimum 1s when the bucket is empty. Returns 0 when a
// token is available now.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	secs := math.Ceil(deficit / b.refillPerSec)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Max returns the bucket capacity (for the X-RateLimit-Limit header).
func (b *Bucket) Max() int { return int(b.max) }

// Limits holds the bucket parameters for one provider.
type Limits struct {
	MaxTokens    int
	RefillPerSec float64
}

// ProviderLimiter owns one bucket per provider, lazily constructed on first
// reference from the configured defaults plus per-provider overrides.
type ProviderLimiter struct {
	mu        sync.Mutex
	buckets   map[providers.Name]*Bucket
	defaults  Limits
	overrides map[providers.Name]Limits
}

// NewProviderLimiter validates the defaults and all overrides up front so a
// bad limit fails at startup, not on the first request.
func NewProviderLimiter(defaults Limits, overrides map[providers.Name]Limits) (*ProviderLimiter, error) {
	if _, err := NewBucket(defaults.MaxTokens, defaults.RefillPerSec); err != nil {
		return nil, fmt.Errorf("ratelimit: default limits: %w", err)
	}
	for p, l := range overrides {
		if _, err := NewBucket(l.MaxTokens, l.RefillPerSec); err != nil {
			return nil, fmt.Errorf("ratelimit: %s limits: %w", p, err)
		}
	}
	return &ProviderLimiter{
		buckets:   make(map[providers.Name]*Bucket),
		defaults:  defaults,
		overrides: overrides,
	}, nil
}

// Bucket returns the bucket for p, creating it on first use.
func (pl *ProviderLimiter) Bucket(p providers.Name) *Bucket {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if b, ok := pl.buckets[p]; ok {
		return b
	}
	limits := pl.defaults
	if o, ok := pl.overrides[p]; ok {
		limits = o
	}
	// Limits were validated in the constructor; NewBucket cannot fail here.
	b, _ := NewBucket(limits.MaxTokens, limits.RefillPerSec)
	pl.buckets[p] = b
	return b
}
