// Package telemetry aggregates per-request cost and error statistics and
// serves them as JSON snapshots on /metrics and /metrics/costs.
//
// The request total lives in its own RequestCounter type: both the cost
// tracker and the error tracker read it (for averages and error rates), and
// neither owns it, so neither depends on the other.
package telemetry

import "sync/atomic"

// RequestCounter is the shared count of completed requests.
type RequestCounter struct {
	n atomic.Uint64
}

func NewRequestCounter() *RequestCounter { return &RequestCounter{} }

func (c *RequestCounter) Inc() { c.n.Add(1) }

func (c *RequestCounter) Total() uint64 { return c.n.Load() }
