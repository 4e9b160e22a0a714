package telemetry

import (
	"sync"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// ErrorRecord is one failed upstream attempt or request.
type ErrorRecord struct {
	RequestID string         `json:"request_id"`
	Provider  providers.Name `json:"provider"`
	Model     string         `json:"model"`
	Status    int            `json:"status"`
	Message   string         `json:"message"`
	At        time.Time      `json:"at"`
}

// ErrorSnapshot is the error portion of the /metrics payload.
type ErrorSnapshot struct {
	TotalRequests    uint64                    `json:"total_requests"`
	TotalErrors      uint64                    `json:"total_errors"`
	ErrorRate        float64                   `json:"error_rate"`
	ErrorsByProvider map[providers.Name]uint64 `json:"errors_by_provider"`
	ErrorsByStatus   map[int]uint64            `json:"errors_by_status"`
	Recent           []ErrorRecord             `json:"recent"`
}

// ErrorTracker counts failures per provider and status and keeps a ring of
// recent records. The error rate divides by the shared request counter,
// which the cost tracker increments — errors here are attempt-level and can
// exceed request count under retries.
type ErrorTracker struct {
	counter *RequestCounter

	mu         sync.Mutex
	total      uint64
	byProvider map[providers.Name]uint64
	byStatus   map[int]uint64
	recent     *ring[ErrorRecord]
}

func NewErrorTracker(counter *RequestCounter) *ErrorTracker {
	return &ErrorTracker{
		counter:    counter,
		byProvider: make(map[providers.Name]uint64),
		byStatus:   make(map[int]uint64),
		recent:     newRing[ErrorRecord](DefaultRecentCapacity),
	}
}

// Record notes one failure as it happens, not at terminal resolution.
func (t *ErrorTracker) Record(requestID string, p providers.Name, model string, status int, msg string) {
	rec := ErrorRecord{
		RequestID: requestID,
		Provider:  p,
		Model:     model,
		Status:    status,
		Message:   msg,
		At:        time.Now(),
	}

	t.mu.Lock()
	t.total++
	t.byProvider[p]++
	t.byStatus[status]++
	t.recent.push(rec)
	t.mu.Unlock()
}

// Snapshot deep-copies the current counts.
func (t *ErrorTracker) Snapshot() ErrorSnapshot {
	totalReq := t.counter.Total()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := ErrorSnapshot{
		TotalRequests:    totalReq,
		TotalErrors:      t.total,
		ErrorsByProvider: make(map[providers.Name]uint64, len(t.byProvider)),
		ErrorsByStatus:   make(map[int]uint64, len(t.byStatus)),
		Recent:           t.recent.snapshot(),
	}
	for p, n := range t.byProvider {
		s.ErrorsByProvider[p] = n
	}
	for st, n := range t.byStatus {
		s.ErrorsByStatus[st] = n
	}
	if totalReq > 0 {
		s.ErrorRate = float64(t.total) / float64(totalReq)
	}
	return s
}
