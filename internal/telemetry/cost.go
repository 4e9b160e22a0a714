package telemetry

import (
	"sync"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// DefaultRecentCapacity bounds the recent-request rings.
const DefaultRecentCapacity = 256

// CostRecord is one priced request.
type CostRecord struct {
	RequestID    string         `json:"request_id"`
	Provider     providers.Name `json:"provider"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	CacheHit     bool           `json:"cache_hit"`
	At           time.Time      `json:"at"`
}

// CostSnapshot is the /metrics/costs payload.
type CostSnapshot struct {
	TotalRequests  uint64                     `json:"total_requests"`
	TotalCostUSD   float64                    `json:"total_cost_usd"`
	AvgCostUSD     float64                    `json:"avg_cost_usd"`
	CostByProvider map[providers.Name]float64 `json:"cost_by_provider"`
	CostByModel    map[string]float64         `json:"cost_by_model"`
	Recent         []CostRecord               `json:"recent"`
}

// CostTracker prices completed requests from the catalog and keeps running
// totals plus a ring of recent records.
type CostTracker struct {
	counter *RequestCounter

	mu         sync.Mutex
	totalUSD   float64
	byProvider map[providers.Name]float64
	byModel    map[string]float64
	recent     *ring[CostRecord]
}

func NewCostTracker(counter *RequestCounter) *CostTracker {
	return &CostTracker{
		counter:    counter,
		byProvider: make(map[providers.Name]float64),
		byModel:    make(map[string]float64),
		recent:     newRing[CostRecord](DefaultRecentCapacity),
	}
}

// Record prices one request. Cache hits cost nothing upstream but still
// count toward the request total.
func (t *CostTracker) Record(requestID string, p providers.Name, model string, usage providers.Usage, cacheHit bool) {
	t.counter.Inc()

	var cost float64
	if !cacheHit {
		cost = Price(model, usage)
	}

	rec := CostRecord{
		RequestID:    requestID,
		Provider:     p,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		CacheHit:     cacheHit,
		At:           time.Now(),
	}

	t.mu.Lock()
	t.totalUSD += cost
	t.byProvider[p] += cost
	t.byModel[model] += cost
	t.recent.push(rec)
	t.mu.Unlock()
}

// Snapshot deep-copies the current totals.
func (t *CostTracker) Snapshot() CostSnapshot {
	total := t.counter.Total()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := CostSnapshot{
		TotalRequests:  total,
		TotalCostUSD:   t.totalUSD,
		CostByProvider: make(map[providers.Name]float64, len(t.byProvider)),
		CostByModel:    make(map[string]float64, len(t.byModel)),
		Recent:         t.recent.snapshot(),
	}
	for p, c := range t.byProvider {
		s.CostByProvider[p] = c
	}
	for m, c := range t.byModel {
		s.CostByModel[m] = c
	}
	if total > 0 {
		s.AvgCostUSD = t.totalUSD / float64(total)
	}
	return s
}

// Price computes the USD cost of one request from the static catalog.
// Unknown models price at zero rather than guessing.
func Price(model string, usage providers.Usage) float64 {
	m, ok := providers.LookupModel(model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*m.InputPer1K +
		float64(usage.OutputTokens)/1000*m.OutputPer1K
}
