package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors used across the broker.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	PoolSize         *prometheus.GaugeVec
	LeasesDispatched *prometheus.CounterVec
	LeasesReturned   *prometheus.CounterVec
	ReportsReceived  *prometheus.CounterVec
	RefillAttempts   *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
}

// NewMetrics registers collectors with the provided namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	labels := []string{"method", "path", "status"}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, labels)
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, labels)
	poolSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_size",
		Help:      "Number of proxies currently available in a source pool.",
	}, []string{"source_id"})
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leases_dispatched_total",
		Help:      "Total proxy leases handed out.",
	}, []string{"source_id"})
	returned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leases_returned_total",
		Help:      "Total proxy leases returned to the pool after cool-down.",
	}, []string{"source_id"})
	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_reports_total",
		Help:      "Total usage reports accepted from sessions.",
	}, []string{"outcome"})
	refills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refill_attempts_total",
		Help:      "Total refill attempts against cache/store, by outcome.",
	}, []string{"source_id", "outcome"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of currently streaming sessions.",
	})

	reg.MustRegister(requests, duration, poolSize, dispatched, returned, reports, refills, sessions)

	return &Metrics{
		HTTPRequests:     requests,
		HTTPDuration:     duration,
		PoolSize:         poolSize,
		LeasesDispatched: dispatched,
		LeasesReturned:   returned,
		ReportsReceived:  reports,
		RefillAttempts:   refills,
		ActiveSessions:   sessions,
	}
}
