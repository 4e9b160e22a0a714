package routing

import (
	"errors"
	"log/slog"
	"time"

	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/registry"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// ErrNoProviderAvailable means every provider was filtered out: circuits
// open, rate limits exhausted, or no model covers the request.
var ErrNoProviderAvailable = errors.New("routing: no provider available")

// Selector combines the registry snapshot with the ranking engine and owns
// the half-open probe handshake.
type Selector struct {
	reg    *registry.Registry
	engine *Engine
	log    *slog.Logger
}

func NewSelector(reg *registry.Registry, engine *Engine, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{reg: reg, engine: engine, log: log}
}

// Select ranks providers for the request. Half-open providers participate in
// ranking as if available; after ranking, the probe slot is claimed for each
// half-open provider that actually made the list. A provider whose probe was
// claimed by a concurrent request is dropped from the result — the claim is
// the admission ticket, and only one request may hold it.
func (s *Selector) Select(req Request) ([]RankedProvider, error) {
	probeEligible := make(map[providers.Name]bool)

	states := s.reg.States()
	for i := range states {
		if states[i].Available {
			continue
		}
		if s.reg.ProbeEligible(states[i].Provider) {
			states[i].Available = true
			probeEligible[states[i].Provider] = true
		}
	}

	ranked := s.engine.Rank(states, req)

	if len(probeEligible) > 0 {
		claimed := make(map[providers.Name]bool)
		kept := ranked[:0]
		for _, rp := range ranked {
			if !probeEligible[rp.Provider] {
				kept = append(kept, rp)
				continue
			}
			if !claimed[rp.Provider] {
				if !s.reg.TryClaimProbe(rp.Provider) {
					continue
				}
				claimed[rp.Provider] = true
				s.log.Info("circuit_breaker_probe",
					slog.String("provider", string(rp.Provider)),
					slog.String("model", rp.Model),
				)
			}
			kept = append(kept, rp)
		}
		ranked = kept
	}

	if len(ranked) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return ranked, nil
}
