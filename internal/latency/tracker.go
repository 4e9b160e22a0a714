// Package latency tracks per-provider response-time statistics: an
// exponential moving average plus nearest-rank percentiles over a bounded
// rolling window.
//
// Error samples are appended to the record log for observability but never
// touch the EMA or the percentile window. Folding zero-valued error samples
// into the EMA makes a failing provider look fast, which would pull more
// traffic onto it through the latency score.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

const (
	// DefaultWindow bounds the per-provider sample window.
	DefaultWindow = 100
	// DefaultAlpha is the EMA smoothing factor.
	DefaultAlpha = 0.3
)

// Record is one observed request outcome.
type Record struct {
	Model   string
	TTFBMs  float64
	TotalMs float64
	Success bool
	At      time.Time
}

// Stats is an immutable snapshot of one provider's latency state.
type Stats struct {
	Provider    providers.Name `json:"provider"`
	SampleCount int            `json:"sample_count"`
	EMAMs       float64        `json:"ema_ms"`
	P50Ms       float64        `json:"p50_ms"`
	P95Ms       float64        `json:"p95_ms"`
	P99Ms       float64        `json:"p99_ms"`
	LastUpdated time.Time      `json:"last_updated"`
}

// providerWindow holds one provider's mutable state. window is a ring of
// successful total-ms samples; records is a ring of all outcomes.
type providerWindow struct {
	mu sync.Mutex

	window  []float64 // successful samples only, ring indexed by head
	head    int
	filled  int
	ema     float64
	seeded  bool
	records []Record
	recHead int
	recLen  int
	updated time.Time
}

// Tracker aggregates latency state for every provider.
type Tracker struct {
	mu        sync.RWMutex
	byName    map[providers.Name]*providerWindow
	windowCap int
	alpha     float64
}

// New creates a Tracker. Non-positive window or out-of-range alpha fall back
// to the defaults.
func New(window int, alpha float64) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		byName:    make(map[providers.Name]*providerWindow),
		windowCap: window,
		alpha:     alpha,
	}
}

func (t *Tracker) get(p providers.Name) *providerWindow {
	t.mu.RLock()
	w := t.byName[p]
	t.mu.RUnlock()
	if w != nil {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w = t.byName[p]; w == nil {
		w = &providerWindow{
			window:  make([]float64, t.windowCap),
			records: make([]Record, t.windowCap),
		}
		t.byName[p] = w
	}
	return w
}

// Record appends one observation. Successful samples update the EMA (seeded
// by the first observation) and enter the percentile window; failures are
// logged but leave both untouched.
func (t *Tracker) Record(p providers.Name, model string, ttfbMs, totalMs float64, success bool) {
	w := t.get(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.records[w.recHead] = Record{Model: model, TTFBMs: ttfbMs, TotalMs: totalMs, Success: success, At: now}
	w.recHead = (w.recHead + 1) % len(w.records)
	if w.recLen < len(w.records) {
		w.recLen++
	}
	w.updated = now

	if !success {
		return
	}

	w.window[w.head] = totalMs
	w.head = (w.head + 1) % len(w.window)
	if w.filled < len(w.window) {
		w.filled++
	}

	if !w.seeded {
		w.ema = totalMs
		w.seeded = true
		return
	}
	w.ema = t.alpha*totalMs + (1-t.alpha)*w.ema
}

// EMA returns the current EMA for p. ok is false when no successful sample
// has been recorded yet.
func (t *Tracker) EMA(p providers.Name) (float64, bool) {
	t.mu.RLock()
	w := t.byName[p]
	t.mu.RUnlock()
	if w == nil {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ema, w.seeded
}

// Percentile returns the nearest-rank pth percentile of the successful
// sample window, or 0 when empty.
func (t *Tracker) Percentile(p providers.Name, pct float64) float64 {
	t.mu.RLock()
	w := t.byName[p]
	t.mu.RUnlock()
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return nearestRank(w.sortedLocked(), pct)
}

// Stats returns a zero-valued snapshot when no samples exist.
func (t *Tracker) Stats(p providers.Name) Stats {
	s := Stats{Provider: p}

	t.mu.RLock()
	w := t.byName[p]
	t.mu.RUnlock()
	if w == nil {
		return s
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := w.sortedLocked()
	s.SampleCount = w.recLen
	s.EMAMs = w.ema
	s.P50Ms = nearestRank(sorted, 50)
	s.P95Ms = nearestRank(sorted, 95)
	s.P99Ms = nearestRank(sorted, 99)
	s.LastUpdated = w.updated
	return s
}

// sortedLocked copies the successful-sample window into a fresh sorted slice.
// Caller holds w.mu.
func (w *providerWindow) sortedLocked() []float64 {
	out := make([]float64, w.filled)
	copy(out, w.window[:w.filled])
	sort.Float64s(out)
	return out
}

// nearestRank computes sorted[ceil(p/100·N)−1] with no interpolation.
func nearestRank(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
