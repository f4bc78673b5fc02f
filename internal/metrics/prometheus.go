// Package metrics exposes pool, refresh, and relay instrumentation
// through a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors for the gateway.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Pool
	poolReady  prometheus.Gauge
	poolInUse  prometheus.Gauge
	acquires   *prometheus.CounterVec
	releases   *prometheus.CounterVec

	// Refresh/validate worker
	refreshDuration    prometheus.Histogram
	validationDuration prometheus.Histogram
	refreshResults     *prometheus.CounterVec

	// SOCKS5 relay
	connectionsTotal  *prometheus.CounterVec
	relayBytesTotal   *prometheus.CounterVec
	connectionsActive prometheus.Gauge
}

var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		poolReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_ready_backends",
			Help:      "Backends currently sitting in the ready queue",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use_backends",
			Help:      "Backends currently checked out of the pool",
		}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquires_total",
			Help:      "Total pool acquire attempts",
		}, []string{"kind", "result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_releases_total",
			Help:      "Total pool releases",
		}, []string{"kind"}),

		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of the IP-rotation subprocess",
			Buckets:   buckets,
		}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Duration of the post-refresh SOCKS5 CONNECT probe",
			Buckets:   buckets,
		}),
		refreshResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_results_total",
			Help:      "Refresh/validation outcomes by backend and result",
		}, []string{"namespace", "result"}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 connections accepted, by terminal reply code",
		}, []string{"reply"}),
		relayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed between client and backend",
		}, []string{"direction"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "SOCKS5 connections currently in the relay phase",
		}),
	}

	registry.MustRegister(
		pm.poolReady, pm.poolInUse, pm.acquires, pm.releases,
		pm.refreshDuration, pm.validationDuration, pm.refreshResults,
		pm.connectionsTotal, pm.relayBytesTotal, pm.connectionsActive,
	)

	promMetrics = pm
}

// SetPoolGauges updates the ready/in-use pool-state gauges.
func SetPoolGauges(ready, inUse int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolReady.Set(float64(ready))
	promMetrics.poolInUse.Set(float64(inUse))
}

// RecordAcquire records a pool acquire attempt, successful or not.
func RecordAcquire(kind, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.acquires.WithLabelValues(kind, result).Inc()
}

// RecordRelease records a pool release.
func RecordRelease(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.releases.WithLabelValues(kind).Inc()
}

// ObserveRefreshDuration records how long the rotation subprocess ran.
func ObserveRefreshDuration(seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.refreshDuration.Observe(seconds)
}

// ObserveValidationDuration records how long the post-refresh probe took.
func ObserveValidationDuration(seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.validationDuration.Observe(seconds)
}

// RecordRefreshResult records a terminal refresh/validation outcome.
func RecordRefreshResult(namespace, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.refreshResults.WithLabelValues(namespace, result).Inc()
}

// RecordConnection records a terminal SOCKS5 connection outcome by reply code.
func RecordConnection(reply string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsTotal.WithLabelValues(reply).Inc()
}

// AddRelayBytes adds to the byte counter for one relay direction
// ("client_to_backend" or "backend_to_client").
func AddRelayBytes(direction string, n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.relayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// IncActiveConnections increments the active-relay gauge.
func IncActiveConnections() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsActive.Inc()
}

// DecActiveConnections decrements the active-relay gauge.
func DecActiveConnections() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsActive.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for tests and custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
