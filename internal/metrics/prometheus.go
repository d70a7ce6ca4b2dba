// Package metrics provides the gateway's Prometheus registry and the
// moving-average provider statistics used by health-based routing.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when the engine is embedded in
// other applications. The /metrics HTTP handler is exposed via Handler().
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
	reg *prometheus.Registry

	// dyad_inflight_requests
	inFlight prometheus.Gauge

	// dyad_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// dyad_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// dyad_requests_total{provider,model,outcome}
	requestsTotal *prometheus.CounterVec

	// dyad_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// dyad_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// dyad_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// dyad_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// dyad_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// dyad_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// dyad_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// dyad_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// dyad_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// dyad_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// dyad_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// dyad_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// dyad_sandbox_executions_total{provider,state}
	sandboxExecutions *prometheus.CounterVec

	// dyad_sandbox_queue_depth
	sandboxQueueDepth prometheus.Gauge

	// dyad_stream_chunks_total{provider}
	streamChunks *prometheus.CounterVec

	// dyad_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dyad_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dyad_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes fallback attempts)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_requests_total",
				Help: "Total dispatched requests by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dyad_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dyad_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_circuit_breaker_rejections_total",
				Help: "Requests rejected by an open circuit breaker",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_failover_events_total",
				Help: "Failover events between providers (emitted when switching to a different provider)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_failover_success_total",
				Help: "Successful failovers (request served by non-primary provider)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_failover_exhausted_total",
				Help: "Requests that exhausted all candidate providers without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_ratelimit_total",
				Help: "Rate limit admission decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dyad_provider_health",
				Help: "Provider health status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		sandboxExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_sandbox_executions_total",
				Help: "Sandboxed CLI executions by terminal state",
			},
			[]string{"provider", "state"},
		),

		sandboxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dyad_sandbox_queue_depth",
			Help: "Executions waiting for a sandbox slot",
		}),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dyad_stream_chunks_total",
				Help: "SSE chunks relayed to clients",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dyad_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.sandboxExecutions,
		r.sandboxQueueDepth,
		r.streamChunks,
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
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one dispatched request outcome.
func (r *Registry) RecordRequest(provider, model, outcome string) {
	r.requestsTotal.WithLabelValues(provider, model, outcome).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "total").Add(float64(inputTokens + outputTokens))
	}
}

// SetProviderHealth publishes a health monitor result.
func (r *Registry) SetProviderHealth(provider string, score float64) {
	r.providerHealth.WithLabelValues(provider).Set(score)
}

func (r *Registry) RecordSandboxExecution(provider, state string) {
	r.sandboxExecutions.WithLabelValues(provider, state).Inc()
}

func (r *Registry) SetSandboxQueueDepth(depth int) {
	r.sandboxQueueDepth.Set(float64(depth))
}

func (r *Registry) RecordStreamChunk(provider string) {
	r.streamChunks.WithLabelValues(provider).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
