package routing

import (
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/latency"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/registry"
)

// availableState builds a healthy snapshot for p with the given latency EMA
// and p95. samples=0 leaves the provider without a track record.
func availableState(p providers.Name, samples int, emaMs, p95Ms float64) registry.ProviderState {
	return registry.ProviderState{
		Provider:           p,
		Available:          true,
		RateLimitRemaining: -1,
		Latency: latency.Stats{
			Provider:    p,
			SampleCount: samples,
			EMAMs:       emaMs,
			P50Ms:       emaMs,
			P95Ms:       p95Ms,
			P99Ms:       p95Ms,
		},
	}
}

func allAvailable() []registry.ProviderState {
	return []registry.ProviderState{
		availableState(providers.OpenAI, 0, 0, 0),
		availableState(providers.Anthropic, 0, 0, 0),
		availableState(providers.Google, 0, 0, 0),
	}
}

func candidateFor(t *testing.T, model string) Candidate {
	t.Helper()
	m, ok := providers.LookupModel(model)
	if !ok {
		t.Fatalf("model %q not in catalog", model)
	}
	return Candidate{Pricing: m, State: availableState(m.Provider, 0, 0, 0)}
}

func TestEvaluate_CostCondition(t *testing.T) {
	// The condition asks: does the candidate's PROVIDER serve any model at
	// or under the threshold? The candidate's own model does not matter.
	cand := candidateFor(t, "gpt-4o") // expensive, but gpt-4o-mini qualifies

	if !Evaluate(CostCondition{MaxPer1K: 0.001}, cand) {
		t.Error("openai serves gpt-4o-mini under 0.001/1k; condition must hold")
	}
	if Evaluate(CostCondition{MaxPer1K: 0.0001}, cand) {
		t.Error("no openai model averages under 0.0001/1k")
	}
}

func TestEvaluate_LatencyCondition(t *testing.T) {
	cand := candidateFor(t, "gpt-4o")

	if Evaluate(LatencyCondition{MaxMs: 5000}, cand) {
		t.Error("a provider with no samples must fail a latency gate")
	}

	cand.State = availableState(providers.OpenAI, 50, 300, 800)
	if !Evaluate(LatencyCondition{MaxMs: 1000}, cand) {
		t.Error("p95 800 under a 1000ms gate must pass")
	}
	if Evaluate(LatencyCondition{MaxMs: 500}, cand) {
		t.Error("p95 800 over a 500ms gate must fail")
	}
}

func TestEvaluate_CapabilityCondition(t *testing.T) {
	reasoning := CapabilityCondition{Required: []string{providers.CapReasoning}}

	if !Evaluate(reasoning, candidateFor(t, "o3-mini")) {
		t.Error("o3-mini advertises reasoning")
	}
	if Evaluate(reasoning, candidateFor(t, "gpt-4o")) {
		t.Error("gpt-4o does not advertise reasoning")
	}
}

func TestRank_CostStrategyPrefersCheapest(t *testing.T) {
	e := NewEngine(nil)

	ranked := e.Rank(allAvailable(), Request{
		Model: "gpt-4o",
		Hints: Hints{Strategy: StrategyCost},
	})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	if ranked[0].Model != "gemini-2.0-flash" {
		t.Errorf("expected cheapest model first, got %s", ranked[0].Model)
	}
}

func TestRank_LatencyStrategyPrefersFastest(t *testing.T) {
	e := NewEngine(nil)
	states := []registry.ProviderState{
		availableState(providers.OpenAI, 50, 120, 200),
		availableState(providers.Anthropic, 50, 2000, 3000),
		availableState(providers.Google, 50, 900, 1400),
	}

	ranked := e.Rank(states, Request{
		Model: "gpt-4o",
		Hints: Hints{Strategy: StrategyLatency},
	})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	if ranked[0].Provider != providers.OpenAI {
		t.Errorf("expected the fastest provider first, got %s", ranked[0].Provider)
	}
}

func TestRank_UnavailableProvidersDropped(t *testing.T) {
	e := NewEngine(nil)
	states := allAvailable()
	states[0].Available = false // openai

	ranked := e.Rank(states, Request{Model: "gpt-4o"})
	for _, rp := range ranked {
		if rp.Provider == providers.OpenAI {
			t.Fatalf("unavailable provider leaked into ranking: %+v", rp)
		}
	}
}

func TestRank_RateLimitedProvidersDropped(t *testing.T) {
	e := NewEngine(nil)

	states := allAvailable()
	states[1].RateLimitRemaining = 0
	states[1].RateLimitResetAt = time.Now().Add(time.Minute)

	ranked := e.Rank(states, Request{Model: "gpt-4o"})
	for _, rp := range ranked {
		if rp.Provider == providers.Anthropic {
			t.Fatalf("rate-limited provider leaked into ranking: %+v", rp)
		}
	}

	// An elapsed reset clears the denial; -1 was never a denial.
	states[1].RateLimitResetAt = time.Now().Add(-time.Second)
	found := false
	for _, rp := range e.Rank(states, Request{Model: "gpt-4o"}) {
		if rp.Provider == providers.Anthropic {
			found = true
		}
	}
	if !found {
		t.Error("provider with an elapsed rate-limit reset must be eligible again")
	}
}

func TestRank_RequiredCapabilitiesFilter(t *testing.T) {
	e := NewEngine(nil)

	ranked := e.Rank(allAvailable(), Request{
		Model:                "gpt-4o",
		RequiredCapabilities: []string{providers.CapReasoning},
	})
	if len(ranked) == 0 {
		t.Fatal("expected reasoning-capable candidates")
	}
	for _, rp := range ranked {
		m, _ := providers.LookupModel(rp.Model)
		if !m.HasCapability(providers.CapReasoning) {
			t.Errorf("%s lacks the required capability", rp.Model)
		}
	}
}

func TestRank_PreferProviderHintBoost(t *testing.T) {
	e := NewEngine(nil)

	base := e.Rank(allAvailable(), Request{Model: "gpt-4o"})
	if len(base) == 0 {
		t.Fatal("expected candidates")
	}
	if base[0].Provider == providers.Anthropic {
		t.Fatal("precondition: anthropic must not already rank first")
	}

	preferred := e.Rank(allAvailable(), Request{
		Model: "gpt-4o",
		Hints: Hints{PreferProvider: providers.Anthropic},
	})
	if preferred[0].Provider != providers.Anthropic {
		t.Errorf("expected preferred provider first, got %s", preferred[0].Provider)
	}
}

func TestRank_ExclusionRequiresRelevance(t *testing.T) {
	e := NewEngine([]Rule{{
		ID:               "no-openai-on-budget",
		Priority:         10,
		Condition:        CostCondition{MaxPer1K: 1}, // matches every provider
		ExcludeProviders: []providers.Name{providers.OpenAI},
	}})

	// Balanced request expresses no cost preference: the cost rule's
	// exclusion must not bind.
	hasOpenAI := func(rs []RankedProvider) bool {
		for _, rp := range rs {
			if rp.Provider == providers.OpenAI {
				return true
			}
		}
		return false
	}

	if !hasOpenAI(e.Rank(allAvailable(), Request{Model: "gpt-4o"})) {
		t.Error("cost exclusion must not apply to a request without a cost preference")
	}
	if hasOpenAI(e.Rank(allAvailable(), Request{Model: "gpt-4o", Hints: Hints{Strategy: StrategyCost}})) {
		t.Error("cost exclusion must apply under the cost strategy")
	}
}

func TestRank_DefaultRulesReasoningPrefersAnthropic(t *testing.T) {
	e := NewEngine(DefaultRules())

	ranked := e.Rank(allAvailable(), Request{
		Model:                "claude-sonnet-4-5",
		RequiredCapabilities: []string{providers.CapReasoning},
		Hints:                Hints{Strategy: StrategyCapability},
	})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	if ranked[0].Provider != providers.Anthropic {
		t.Errorf("reasoning rule must put anthropic first, got %s", ranked[0].Provider)
	}
}

func TestRank_EmptyStatesYieldsNil(t *testing.T) {
	e := NewEngine(DefaultRules())
	if got := e.Rank(nil, Request{Model: "gpt-4o"}); got != nil {
		t.Errorf("expected nil ranking, got %v", got)
	}
}
