// Package metrics exports Prometheus metrics for the gateway.
//
// Everything registers on a private registry rather than the global default,
// so embedding the gateway in another process never double-registers
// collectors. The /metrics/prometheus handler comes from Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_routing_decisions_total{provider,strategy}
	routingDecisions *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_failover_events_total{from,to}
	failoverEvents *prometheus.CounterVec

	// gateway_cache_requests_total{status} — HIT/MISS/SKIP/DISABLED
	cacheRequests *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_ratelimit_total{provider,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routing_decisions_total",
				Help: "Routing decisions by selected provider and strategy",
			},
			[]string{"provider", "strategy"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream provider attempts, including retries and failovers",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Requests served by a provider other than the top-ranked one",
			},
			[]string{"from", "to"},
		),

		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_requests_total",
				Help: "Semantic cache outcomes per request",
			},
			[]string{"status"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Token bucket decisions per provider",
			},
			[]string{"provider", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routingDecisions,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.cacheRequests,
		r.circuitBreakerState,
		r.cbTransitions,
		r.rateLimitTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRoutingDecision counts one selected (provider, strategy) pair.
func (r *Registry) RecordRoutingDecision(provider, strategy string) {
	r.routingDecisions.WithLabelValues(provider, strategy).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordFailover notes a request served off its top-ranked provider.
func (r *Registry) RecordFailover(from, to string) {
	r.failoverEvents.WithLabelValues(from, to).Inc()
}

// RecordCacheStatus counts one X-Cache outcome.
func (r *Registry) RecordCacheStatus(status string) {
	r.cacheRequests.WithLabelValues(status).Inc()
}

// RecordRateLimit records one bucket decision ("allowed" or "denied").
func (r *Registry) RecordRateLimit(provider, result string) {
	r.rateLimitTotal.WithLabelValues(provider, result).Inc()
}

// AddTokens records usage reported by the upstream.
func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// SetCircuitBreaker sets the state gauge and counts a transition when the
// state changed. The first observation of a provider seeds the baseline and
// is not a transition.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	s := float64(state)
	r.circuitBreakerState.WithLabelValues(provider).Set(s)

	r.cbMu.Lock()
	prev, seen := r.lastCBState[provider]
	r.lastCBState[provider] = s
	r.cbMu.Unlock()

	if seen && prev != s {
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
