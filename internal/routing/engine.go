package routing

import (
	"sort"

	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/registry"
)

// weights is one strategy's scoring profile. cost + lat + cap = 1.
type weights struct {
	cost float64
	lat  float64
	cap  float64
}

var strategyWeights = map[Strategy]weights{
	StrategyBalanced:   {cost: 0.3, lat: 0.4, cap: 0.3},
	StrategyCost:       {cost: 0.6, lat: 0.25, cap: 0.15},
	StrategyLatency:    {cost: 0.15, lat: 0.7, cap: 0.15},
	StrategyCapability: {cost: 0.2, lat: 0.2, cap: 0.6},
}

// preferProviderBoost is added when the request's x-routing-prefer-provider
// hint names the candidate's provider.
const preferProviderBoost = 0.2

// rulePriorityBoost scales a matched preferring rule's priority into score
// points.
const rulePriorityBoost = 0.05

// Engine ranks candidates against the configured rules.
type Engine struct {
	rules []Rule
}

// NewEngine sorts rules by descending priority once at construction.
func NewEngine(rules []Rule) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Engine{rules: sorted}
}

// Rank produces the ordered candidate list for one request.
//
// Filtering happens in stages: unavailable providers are dropped first (the
// selector pre-marks half-open providers it can probe as available), then
// rate-limited providers, then models that lack a required capability or
// cannot stream when the request does. Surviving candidates are scored and
// sorted by descending score; ties break toward the lower latency EMA so a
// consistently faster provider wins when scores are equal.
func (e *Engine) Rank(states []registry.ProviderState, req Request) []RankedProvider {
	cands := e.candidates(states, req)
	if len(cands) == 0 {
		return nil
	}

	matched := e.applyRules(cands, req)
	if len(matched) == 0 {
		return nil
	}

	return e.score(matched, req)
}

// candidates expands available providers into (provider, model) pairs that
// satisfy the request's capability and streaming requirements.
func (e *Engine) candidates(states []registry.ProviderState, req Request) []Candidate {
	var out []Candidate
	for _, st := range states {
		if !st.Available {
			continue
		}
		// 0 remaining with a reset still in the future means the upstream
		// told us to back off; -1 means unknown and is not a denial.
		if st.RateLimitRemaining == 0 && st.RateLimitResetAt.After(timeNow()) {
			continue
		}
		for _, m := range providers.ModelsFor(st.Provider) {
			if !m.Covers(req.RequiredCapabilities) {
				continue
			}
			if req.Stream && !m.HasCapability(providers.CapStreaming) {
				continue
			}
			out = append(out, Candidate{Pricing: m, State: st})
		}
	}
	return out
}

// ruled pairs a candidate with its rule outcomes.
type ruled struct {
	cand     Candidate
	matched  []string
	boost    float64
	excluded bool
}

// applyRules evaluates every rule against every candidate. A matched rule's
// preferences add a priority-weighted boost; a matched rule's exclusions drop
// the candidate, but only when the rule is relevant to this request — a cost
// rule must not knock providers out of a request that never asked about cost.
func (e *Engine) applyRules(cands []Candidate, req Request) []ruled {
	out := make([]ruled, 0, len(cands))
	for _, c := range cands {
		r := ruled{cand: c}
		for _, rule := range e.rules {
			if !Evaluate(rule.Condition, c) {
				continue
			}
			r.matched = append(r.matched, rule.ID)
			if containsName(rule.PreferProviders, c.Pricing.Provider) {
				r.boost += float64(rule.Priority) * rulePriorityBoost
			}
			if relevant(rule.Condition, req) && containsName(rule.ExcludeProviders, c.Pricing.Provider) {
				r.excluded = true
			}
		}
		if r.excluded {
			continue
		}
		out = append(out, r)
	}
	return out
}

// score normalizes cost and latency across the surviving candidates, combines
// them with the capability score under the strategy's weights, applies
// preference boosts, and sorts.
func (e *Engine) score(rs []ruled, req Request) []RankedProvider {
	w, ok := strategyWeights[req.Hints.Strategy]
	if !ok {
		w = strategyWeights[StrategyBalanced]
	}

	costs := make([]float64, len(rs))
	lats := make([]float64, len(rs))
	emas := make([]float64, len(rs))
	for i, r := range rs {
		costs[i] = r.cand.Pricing.AvgPer1K()
		ema := r.cand.State.Latency.EMAMs
		if r.cand.State.Latency.SampleCount == 0 || ema == 0 {
			ema = providers.DefaultLatencyMs
		}
		lats[i] = ema
		emas[i] = ema
	}

	minCost, maxCost := minMax(costs)
	minLat, maxLat := minMax(lats)

	type scored struct {
		r     ruled
		score float64
		ema   float64
	}
	out := make([]scored, len(rs))
	for i, r := range rs {
		costScore := normalizeInverted(costs[i], minCost, maxCost)
		latScore := normalizeInverted(lats[i], minLat, maxLat)
		capScore := capabilityScore(r.cand.Pricing, req.RequiredCapabilities)

		s := w.cost*costScore + w.lat*latScore + w.cap*capScore + r.boost
		if req.Hints.PreferProvider != "" && r.cand.Pricing.Provider == req.Hints.PreferProvider {
			s += preferProviderBoost
		}
		out[i] = scored{r: r, score: s, ema: emas[i]}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].ema < out[j].ema
	})

	ranked := make([]RankedProvider, len(out))
	for i, s := range out {
		ranked[i] = RankedProvider{
			Provider:     s.r.cand.Pricing.Provider,
			Model:        s.r.cand.Pricing.Model,
			Score:        s.score,
			MatchedRules: s.r.matched,
		}
	}
	return ranked
}

// capabilityScore is matched/required when capabilities were requested (the
// capability filter guarantees full coverage, so this is 1 for survivors),
// otherwise breadth: capability count over 5, capped at 1.
func capabilityScore(m providers.ModelPricing, required []string) float64 {
	if len(required) > 0 {
		matched := 0
		for _, c := range required {
			if m.HasCapability(c) {
				matched++
			}
		}
		return float64(matched) / float64(len(required))
	}
	n := float64(len(m.Capabilities)) / 5
	if n > 1 {
		n = 1
	}
	return n
}

// normalizeInverted maps v into [0,1] where the minimum of the cohort scores
// 1 (cheaper and faster are better). A degenerate cohort (max == min) scores
// 0 across the board so the dimension drops out of the comparison.
func normalizeInverted(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (max - v) / (max - min)
}

func minMax(vals []float64) (float64, float64) {
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func containsName(names []providers.Name, p providers.Name) bool {
	for _, n := range names {
		if n == p {
			return true
		}
	}
	return false
}
