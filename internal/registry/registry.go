// Package registry owns the mutable per-provider health state: consecutive
// error counts, circuit breaker transitions, rate-limit counters reported by
// upstreams, and the half-open probe slot.
//
// The breaker state machine per provider:
//
//	CLOSED    → OPEN       when consecutive errors reach the threshold
//	OPEN      → HALF_OPEN  after the cooldown elapses and a caller claims the probe
//	HALF_OPEN → CLOSED     on success
//	HALF_OPEN → OPEN       on failure (openedAt reset to the failure time)
//
// Queries return snapshots and never mutate state. Claiming the half-open
// probe is an explicit operation (TryClaimProbe) with compare-and-set
// semantics, so concurrent callers cannot both win the single probe slot.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyroute/gateway/internal/latency"
	"github.com/polyroute/gateway/internal/providers"
)

// State is the circuit breaker state, exported for metrics.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ProviderState is the immutable snapshot handed to the routing engine.
type ProviderState struct {
	Provider           providers.Name `json:"provider"`
	Available          bool           `json:"available"`
	RateLimitRemaining int            `json:"rate_limit_remaining"`
	RateLimitResetAt   time.Time      `json:"rate_limit_reset_at"`
	Latency            latency.Stats  `json:"latency"`
	LastErrorAt        time.Time      `json:"last_error_at"`
	ConsecutiveErrors  int            `json:"consecutive_errors"`
}

// entry holds one provider's mutable state. The mutex guards everything
// except probeInFlight, which is CAS-claimed so availability checks racing
// with the selector cannot both win the probe.
type entry struct {
	mu sync.Mutex

	consecutiveErrors  int
	lastErrorAt        time.Time
	openedAt           time.Time // zero ⇒ circuit closed
	rateLimitRemaining int
	rateLimitResetAt   time.Time

	probeInFlight atomic.Bool
}

// Options tune the breaker.
type Options struct {
	// ErrorThreshold is the consecutive-error count that opens the circuit.
	// Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// Cooldown is how long an open circuit rejects traffic before allowing
	// a half-open probe. Default: providers.CBCooldown (30s).
	Cooldown time.Duration
}

// Registry tracks every configured provider. Entries are created at startup
// and live for the process lifetime; per-provider updates are linearized by
// the entry mutex — there is no global lock across providers.
type Registry struct {
	entries map[providers.Name]*entry
	tracker *latency.Tracker
	log     *slog.Logger

	threshold int
	cooldown  time.Duration
}

// New creates a Registry for the given providers. tracker may not be nil;
// the registry is the single writer into it.
func New(provs []providers.Name, tracker *latency.Tracker, log *slog.Logger, opts Options) *Registry {
	if log == nil {
		log = slog.Default()
	}
	threshold := opts.ErrorThreshold
	if threshold <= 0 {
		threshold = providers.CBErrorThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = providers.CBCooldown
	}

	r := &Registry{
		entries:   make(map[providers.Name]*entry, len(provs)),
		tracker:   tracker,
		log:       log,
		threshold: threshold,
		cooldown:  cooldown,
	}
	for _, p := range provs {
		r.entries[p] = &entry{rateLimitRemaining: -1} // -1 ⇒ unknown, treated as not limited
	}
	return r
}

func (r *Registry) get(p providers.Name) *entry {
	return r.entries[p]
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []providers.Name {
	out := make([]providers.Name, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	return out
}

// CircuitState returns the current breaker state for metrics export.
func (r *Registry) CircuitState(p providers.Name) State {
	e := r.get(p)
	if e == nil {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.stateLocked(e)
}

// stateLocked derives the breaker state. Caller holds e.mu.
func (r *Registry) stateLocked(e *entry) State {
	if e.openedAt.IsZero() {
		return StateClosed
	}
	if time.Since(e.openedAt) < r.cooldown {
		return StateOpen
	}
	return StateHalfOpen
}

// IsAvailable reports whether p may receive traffic right now. A half-open
// provider is reported unavailable here; the selector decides whether to
// claim the probe via TryClaimProbe.
func (r *Registry) IsAvailable(p providers.Name) bool {
	e := r.get(p)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.stateLocked(e) == StateClosed
}

// ProbeEligible reports whether p is half-open with its probe slot free.
// This is a hint for ranking; admission still requires TryClaimProbe.
func (r *Registry) ProbeEligible(p providers.Name) bool {
	e := r.get(p)
	if e == nil {
		return false
	}
	e.mu.Lock()
	st := r.stateLocked(e)
	e.mu.Unlock()
	return st == StateHalfOpen && !e.probeInFlight.Load()
}

// TryClaimProbe attempts to claim the single half-open probe slot for p.
// Returns true for exactly one caller once the cooldown has elapsed; all
// concurrent and subsequent callers get false until the probe resolves via
// ReportSuccess or ReportError.
func (r *Registry) TryClaimProbe(p providers.Name) bool {
	e := r.get(p)
	if e == nil {
		return false
	}
	e.mu.Lock()
	st := r.stateLocked(e)
	e.mu.Unlock()

	if st != StateHalfOpen {
		return false
	}
	return e.probeInFlight.CompareAndSwap(false, true)
}

// States returns snapshots for every provider in registration order of the
// underlying map (callers sort as needed).
func (r *Registry) States() []ProviderState {
	out := make([]ProviderState, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, r.StateOf(p))
	}
	return out
}

// StateOf builds the snapshot for one provider.
func (r *Registry) StateOf(p providers.Name) ProviderState {
	e := r.get(p)
	s := ProviderState{Provider: p}
	if e == nil {
		return s
	}

	e.mu.Lock()
	s.Available = r.stateLocked(e) == StateClosed
	s.RateLimitRemaining = e.rateLimitRemaining
	s.RateLimitResetAt = e.rateLimitResetAt
	s.LastErrorAt = e.lastErrorAt
	s.ConsecutiveErrors = e.consecutiveErrors
	e.mu.Unlock()

	if r.tracker != nil {
		s.Latency = r.tracker.Stats(p)
	}
	return s
}

// ReportSuccess records a successful upstream call: the error counter resets,
// the circuit closes, and a held probe slot is released.
func (r *Registry) ReportSuccess(p providers.Name, model string, latencyMs float64) {
	e := r.get(p)
	if e == nil {
		return
	}

	e.mu.Lock()
	wasOpen := !e.openedAt.IsZero()
	e.consecutiveErrors = 0
	e.openedAt = time.Time{}
	e.mu.Unlock()
	e.probeInFlight.Store(false)

	if wasOpen {
		r.log.Info("circuit_breaker_closed",
			slog.String("provider", string(p)),
			slog.String("model", model),
		)
	}

	if r.tracker != nil {
		r.tracker.Record(p, model, 0, latencyMs, true)
	}
}

// ReportError records a failed upstream call. The consecutive-error counter
// increments by exactly one; reaching the threshold while closed opens the
// circuit, and a failed half-open probe re-opens it with openedAt = now.
func (r *Registry) ReportError(p providers.Name, model string, err error) {
	e := r.get(p)
	if e == nil {
		return
	}

	now := time.Now()

	e.mu.Lock()
	st := r.stateLocked(e)
	e.consecutiveErrors++
	e.lastErrorAt = now

	opened := false
	switch st {
	case StateClosed:
		if e.consecutiveErrors >= r.threshold {
			e.openedAt = now
			opened = true
		}
	case StateHalfOpen:
		// Failed probe: restart the cooldown from the failure time.
		e.openedAt = now
		opened = true
	}
	errCount := e.consecutiveErrors
	e.mu.Unlock()
	e.probeInFlight.Store(false)

	if opened {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.log.Warn("circuit_breaker_opened",
			slog.String("provider", string(p)),
			slog.String("model", model),
			slog.Int("consecutive_errors", errCount),
			slog.String("error", msg),
		)
	}

	if r.tracker != nil {
		// Error records never update the EMA or the percentile window.
		r.tracker.Record(p, model, 0, 0, false)
	}
}

// UpdateRateLimit replaces the rate-limit counters reported by an upstream.
func (r *Registry) UpdateRateLimit(p providers.Name, remaining int, resetAt time.Time) {
	e := r.get(p)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.rateLimitRemaining = remaining
	e.rateLimitResetAt = resetAt
	e.mu.Unlock()
}
