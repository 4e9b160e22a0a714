// Package routing ranks (provider, model) candidates for each request.
//
// The pipeline: snapshot provider states → build candidates from the pricing
// catalog → evaluate routing rules → apply exclusions → score by strategy →
// sort. The selector on top claims half-open probes and yields the ordered
// list consumed by the fallback handler.
package routing

import (
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/registry"
)

// Strategy selects the scoring weight profile.
type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyCost       Strategy = "cost"
	StrategyLatency    Strategy = "latency"
	StrategyCapability Strategy = "capability"
)

// ParseStrategy validates a strategy string from config or headers.
// Unknown values fall back to balanced.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyCost, StrategyLatency, StrategyCapability, StrategyBalanced:
		return Strategy(s)
	}
	return StrategyBalanced
}

// Hints are per-request routing preferences carried in x-routing-* headers.
type Hints struct {
	Strategy       Strategy
	PreferProvider providers.Name // empty ⇒ no preference
	MaxLatencyMs   float64        // 0 ⇒ no budget
	MaxCostPer1K   float64        // 0 ⇒ no budget
}

// Request is the routing view of one inbound request.
type Request struct {
	Model                string
	EstimatedInputTokens int
	MaxOutputTokens      int
	Stream               bool
	RequiredCapabilities []string
	Hints                Hints
}

// Condition is the tagged rule-condition variant. Exactly three cases exist;
// the evaluator type-switches exhaustively.
type Condition interface {
	isCondition()
}

type (
	// CostCondition matches providers that serve at least one model with an
	// average per-1k cost at or under the threshold.
	CostCondition struct {
		MaxPer1K float64
	}

	// LatencyCondition matches providers whose observed p95 is at or under
	// the threshold. Unknown latency fails the condition — a provider with
	// no track record must not pass a latency gate.
	LatencyCondition struct {
		MaxMs float64
	}

	// CapabilityCondition matches candidates whose model covers every
	// required capability.
	CapabilityCondition struct {
		Required []string
	}
)

func (CostCondition) isCondition()       {}
func (LatencyCondition) isCondition()    {}
func (CapabilityCondition) isCondition() {}

// Rule is one routing rule. Higher priority evaluates first and weighs more
// in the preference boost.
type Rule struct {
	ID               string
	Priority         int
	Condition        Condition
	PreferProviders  []providers.Name
	ExcludeProviders []providers.Name
}

// DefaultRules is the rule set used when no custom rules are configured.
// Priorities are spaced so deployments can slot their own rules between.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "budget-tier",
			Priority:        10,
			Condition:       CostCondition{MaxPer1K: 0.002},
			PreferProviders: []providers.Name{providers.Google, providers.OpenAI},
		},
		{
			ID:              "low-latency",
			Priority:        20,
			Condition:       LatencyCondition{MaxMs: 1500},
			PreferProviders: []providers.Name{providers.OpenAI, providers.Google},
		},
		{
			ID:              "reasoning",
			Priority:        30,
			Condition:       CapabilityCondition{Required: []string{providers.CapReasoning}},
			PreferProviders: []providers.Name{providers.Anthropic},
		},
	}
}

// Candidate is a (provider, model) pair that passed capability filtering,
// prior to ranking.
type Candidate struct {
	Pricing providers.ModelPricing
	State   registry.ProviderState
}

// RankedProvider is one scored routing result.
type RankedProvider struct {
	Provider     providers.Name `json:"provider"`
	Model        string         `json:"model"`
	Score        float64        `json:"score"`
	MatchedRules []string       `json:"matched_rules"`
}

// Evaluate is the pure rule predicate: does the condition hold for this
// candidate?
func Evaluate(c Condition, cand Candidate) bool {
	switch cond := c.(type) {
	case CostCondition:
		for _, m := range providers.ModelsFor(cand.Pricing.Provider) {
			if m.AvgPer1K() <= cond.MaxPer1K {
				return true
			}
		}
		return false

	case LatencyCondition:
		stats := cand.State.Latency
		if stats.SampleCount == 0 || stats.P95Ms == 0 {
			return false
		}
		return stats.P95Ms <= cond.MaxMs

	case CapabilityCondition:
		return cand.Pricing.Covers(cond.Required)
	}
	return false
}

// relevant reports whether a matched rule's exclusions apply to this request.
// Cost rules bind only when the request expresses a cost preference, latency
// rules only under a latency preference; capability rules always bind.
func relevant(c Condition, req Request) bool {
	switch c.(type) {
	case CostCondition:
		return req.Hints.MaxCostPer1K > 0 || req.Hints.Strategy == StrategyCost
	case LatencyCondition:
		return req.Hints.MaxLatencyMs > 0 || req.Hints.Strategy == StrategyLatency
	case CapabilityCondition:
		return true
	}
	return false
}
