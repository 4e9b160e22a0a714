package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/latency"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/registry"
)

func newSelectorFixture(t *testing.T, provs []providers.Name, cooldown time.Duration) (*Selector, *registry.Registry) {
	t.Helper()
	reg := registry.New(provs, latency.New(10, 0.3), nil, registry.Options{
		ErrorThreshold: 1,
		Cooldown:       cooldown,
	})
	return NewSelector(reg, NewEngine(DefaultRules()), nil), reg
}

func tripBreaker(reg *registry.Registry, p providers.Name) {
	reg.ReportError(p, "test-model", errors.New("boom"))
}

func TestSelector_HealthyProvidersRanked(t *testing.T) {
	sel, _ := newSelectorFixture(t, []providers.Name{providers.OpenAI, providers.Google}, time.Minute)

	ranked, err := sel.Select(Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(ranked) == 0 {
		t.Fatal("expected ranked candidates")
	}
	for _, rp := range ranked {
		if rp.Provider == providers.Anthropic {
			t.Errorf("unregistered provider in ranking: %+v", rp)
		}
	}
}

func TestSelector_AllOpenIsNoProvider(t *testing.T) {
	sel, reg := newSelectorFixture(t, []providers.Name{providers.OpenAI, providers.Google}, time.Minute)
	tripBreaker(reg, providers.OpenAI)
	tripBreaker(reg, providers.Google)

	_, err := sel.Select(Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestSelector_HalfOpenProbeClaimed(t *testing.T) {
	sel, reg := newSelectorFixture(t, []providers.Name{providers.OpenAI}, 15*time.Millisecond)
	tripBreaker(reg, providers.OpenAI)

	// Inside the cooldown there is nothing to route to.
	if _, err := sel.Select(Request{Model: "gpt-4o"}); !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable during cooldown, got %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	ranked, err := sel.Select(Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Select after cooldown: %v", err)
	}
	if len(ranked) == 0 || ranked[0].Provider != providers.OpenAI {
		t.Fatalf("expected the half-open provider as probe candidate, got %v", ranked)
	}

	// The probe slot travels with the first selection. A second request
	// before the probe resolves finds nothing.
	if _, err := sel.Select(Request{Model: "gpt-4o"}); !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected the probe slot to be exhausted, got err=%v", err)
	}

	// Probe succeeds: circuit closes, traffic resumes for everyone.
	reg.ReportSuccess(providers.OpenAI, "gpt-4o", 100)
	if _, err := sel.Select(Request{Model: "gpt-4o"}); err != nil {
		t.Errorf("expected selection after the probe closed the circuit: %v", err)
	}
}

func TestSelector_HealthyProviderShieldsHalfOpen(t *testing.T) {
	sel, reg := newSelectorFixture(t, []providers.Name{providers.OpenAI, providers.Google}, 15*time.Millisecond)
	tripBreaker(reg, providers.Google)
	time.Sleep(25 * time.Millisecond)

	ranked, err := sel.Select(Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	// The half-open provider may participate, but only with its probe
	// claimed; whichever ranks, the claim must now be held.
	for _, rp := range ranked {
		if rp.Provider == providers.Google {
			if reg.ProbeEligible(providers.Google) {
				t.Error("ranked half-open provider must hold the probe claim")
			}
			return
		}
	}
	// Google never ranked; its probe slot must remain free for the next
	// request.
	if !reg.ProbeEligible(providers.Google) {
		t.Error("unranked half-open provider must keep its probe slot free")
	}
}
