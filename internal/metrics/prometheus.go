// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// provider_errors_total{provider, error_type}
	providerErrors *prometheus.CounterVec

	// gateway_stream_events_total{kind}
	streamEvents *prometheus.CounterVec

	// gateway_batch_items_total{route,provider,status}
	batchItems *prometheus.CounterVec

	// gateway_batch_outcomes_total{route,status}
	batchOutcomes *prometheus.CounterVec

	// gateway_batch_rounds{route}
	batchRounds *prometheus.HistogramVec

	// gateway_fallback_events_total{route,from,to}
	fallbackEvents *prometheus.CounterVec

	// gateway_fallback_items_total{route,from,to}
	fallbackItems *prometheus.CounterVec

	// gateway_credential_lookups_total{namespace,provider,result}
	credentialLookups *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, including the whole event stream",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries)",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_events_total",
				Help: "Decoded stream events by kind",
			},
			[]string{"kind"},
		),

		batchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_batch_items_total",
				Help: "Settled batch items by serving provider and status",
			},
			[]string{"route", "provider", "status"},
		),

		batchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_batch_outcomes_total",
				Help: "Finished batches by overall status",
			},
			[]string{"route", "status"},
		),

		batchRounds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_batch_rounds",
				Help:    "Dispatch rounds needed per batch",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
			[]string{"route"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback switches between batch rounds",
			},
			[]string{"route", "from", "to"},
		),

		fallbackItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_items_total",
				Help: "Batch items re-dispatched to a fallback provider",
			},
			[]string{"route", "from", "to"},
		),

		credentialLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credential_lookups_total",
				Help: "Credential lookups by namespace, provider and result",
			},
			[]string{"namespace", "provider", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
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
		r.httpReqSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.streamEvents,
		r.batchItems,
		r.batchOutcomes,
		r.batchRounds,
		r.fallbackEvents,
		r.fallbackItems,
		r.credentialLookups,
		r.rateLimitTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordStreamEvent(kind string) {
	r.streamEvents.WithLabelValues(kind).Inc()
}

// RecordBatchItem counts one settled item. status is "succeeded" or "failed".
func (r *Registry) RecordBatchItem(route, provider, status string) {
	r.batchItems.WithLabelValues(route, provider, status).Inc()
}

// RecordBatchOutcome counts a finished batch and the rounds it took.
func (r *Registry) RecordBatchOutcome(route, status string, rounds int) {
	r.batchOutcomes.WithLabelValues(route, status).Inc()
	r.batchRounds.WithLabelValues(route).Observe(float64(rounds))
}

// RecordFallback counts one switch from → to carrying n items.
func (r *Registry) RecordFallback(route, from, to string, n int) {
	r.fallbackEvents.WithLabelValues(route, from, to).Inc()
	r.fallbackItems.WithLabelValues(route, from, to).Add(float64(n))
}

// RecordCredentialLookup implements credentials.LookupRecorder.
func (r *Registry) RecordCredentialLookup(namespace, provider string, found bool) {
	result := "miss"
	if found {
		result = "hit"
	}
	r.credentialLookups.WithLabelValues(namespace, provider, result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
