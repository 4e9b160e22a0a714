package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

const memCleanupInterval = time.Minute

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryIndex is a brute-force in-process vector index. Every search scans
// all live entries for the model and computes cosine distance directly.
// Fine for single-instance deployments where the cache stays small; use
// RedisIndex when entries number in the tens of thousands or replicas must
// share the cache.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryIndex creates a MemoryIndex and starts the background cleanup
// loop. The loop stops when ctx is cancelled or Close is called.
func NewMemoryIndex(ctx context.Context) *MemoryIndex {
	x := &MemoryIndex{
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
	go x.cleanup(ctx)
	return x
}

// Add stores the entry with TTL.
func (x *MemoryIndex) Add(_ context.Context, e Entry, ttl time.Duration) error {
	x.mu.Lock()
	x.entries[e.Key] = memEntry{entry: e, expiresAt: time.Now().Add(ttl)}
	x.mu.Unlock()
	return nil
}

// Search scans live entries for the model and returns the k closest by
// cosine distance, closest first.
func (x *MemoryIndex) Search(_ context.Context, model string, vec []float32, k int) ([]Match, error) {
	now := time.Now()

	x.mu.RLock()
	matches := make([]Match, 0, k)
	for _, me := range x.entries {
		if me.entry.Model != model || now.After(me.expiresAt) {
			continue
		}
		if len(me.entry.Embedding) != len(vec) {
			continue
		}
		matches = append(matches, Match{
			Entry:    me.entry,
			Distance: cosineDistance(vec, me.entry.Embedding),
		})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (x *MemoryIndex) Close() error {
	x.closeOnce.Do(func() { close(x.done) })
	return nil
}

func (x *MemoryIndex) cleanup(ctx context.Context) {
	t := time.NewTicker(memCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.done:
			return
		case now := <-t.C:
			x.mu.Lock()
			for k, me := range x.entries {
				if now.After(me.expiresAt) {
					delete(x.entries, k)
				}
			}
			x.mu.Unlock()
		}
	}
}

// cosineDistance = 1 − cos(a, b). Zero vectors are treated as maximally
// distant rather than dividing by zero.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
