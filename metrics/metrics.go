// Package metrics defines the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolink/sentinel/breaker"
)

const namespace = "sentinel"

// Metrics holds every instrument the gateway updates.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	HTTPErrors     *prometheus.CounterVec
	ActiveRequests prometheus.Gauge

	RequestForwarded *prometheus.CounterVec
	RequestTimeout   *prometheus.CounterVec

	LocalBucketAllowed  *prometheus.CounterVec
	LocalBucketRejected *prometheus.CounterVec
	DistributedAllowed  *prometheus.CounterVec
	DistributedRejected *prometheus.CounterVec
	StoreLatency        *prometheus.HistogramVec

	BreakerState *prometheus.GaugeVec
	BreakerOpen  *prometheus.CounterVec

	TenantRequests    *prometheus.CounterVec
	PriorityDrops     *prometheus.CounterVec
	DegradedResponses prometheus.Counter
	PremiumPreserved  *prometheus.CounterVec

	SLOLatencyViolations *prometheus.CounterVec
	SLOErrorViolations   *prometheus.CounterVec
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status_code", "plan"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with status >= 500",
		}, []string{"method", "route", "status_code"}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests",
		}),

		RequestForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_forwarded_total",
			Help:      "Total number of requests forwarded upstream",
		}, []string{"method", "upstream_url"}),
		RequestTimeout: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeout_total",
			Help:      "Total number of upstream timeouts",
		}, []string{"method"}),

		LocalBucketAllowed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_bucket_allowed_total",
			Help:      "Total number of requests allowed by the local token bucket",
		}, []string{"tenant_id"}),
		LocalBucketRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_bucket_rejected_total",
			Help:      "Total number of requests rejected by the local token bucket",
		}, []string{"tenant_id"}),
		DistributedAllowed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_allowed_total",
			Help:      "Total number of requests allowed by the distributed rate limiter",
		}, []string{"tenant_id"}),
		DistributedRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_rejected_total",
			Help:      "Total number of requests rejected by the distributed rate limiter",
		}, []string{"tenant_id"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_latency_seconds",
			Help:      "Latency of coordination store operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}, []string{"operation"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN)",
		}, []string{"service"}),
		BreakerOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Total number of times this instance opened a circuit breaker",
		}, []string{"service"}),

		TenantRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_requests_total",
			Help:      "Total requests per tenant plan",
		}, []string{"plan"}),
		PriorityDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priority_drops_total",
			Help:      "Total requests dropped by priority scheduling",
		}, []string{"plan", "mode"}),
		DegradedResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_response_total",
			Help:      "Total degraded responses served",
		}),
		PremiumPreserved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "premium_preserved_total",
			Help:      "Total premium requests forwarded under high pressure",
		}, []string{"tenant_id"}),

		SLOLatencyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_latency_violation_total",
			Help:      "Total number of requests violating the latency SLO",
		}, []string{"method", "route"}),
		SLOErrorViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_error_violation_total",
			Help:      "Total number of requests violating the error SLO (5xx)",
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPressure adds gauges read at scrape time from the pressure components.
func (m *Metrics) RegisterPressure(local, global, mode func() float64) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pressure_local",
		Help:      "Current local pressure score (0-1)",
	}, local)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pressure_global",
		Help:      "Current global pressure score (0-1)",
	}, global)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "protection_mode",
		Help:      "Current protection mode (0=NORMAL, 1=MODERATE, 2=AGGRESSIVE, 3=CRITICAL)",
	}, mode)
}

// BreakerHook keeps the breaker gauges in step with transitions. Only local
// openings count toward breaker_open_total, so a cluster-wide opening is
// counted once.
func (m *Metrics) BreakerHook() breaker.TransitionHook {
	return func(service string, _, to breaker.State, remote bool) {
		m.BreakerState.WithLabelValues(service).Set(float64(to))
		if to == breaker.StateOpen && !remote {
			m.BreakerOpen.WithLabelValues(service).Inc()
		}
	}
}

// ObserveStore records one coordination store round-trip.
func (m *Metrics) ObserveStore(operation string) func(time.Duration) {
	h := m.StoreLatency.WithLabelValues(operation)
	return func(d time.Duration) { h.Observe(d.Seconds()) }
}
