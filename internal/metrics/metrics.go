// Package metrics exports the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors. A nil *Metrics is a no-op so
// one-shot CLI runs can skip registration entirely.
type Metrics struct {
	registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Items       *prometheus.CounterVec
	Suppressed  *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncbridge",
		Name:      "runs_total",
		Help:      "Completed reconciliation runs by module and result.",
	}, []string{"module", "result"})

	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncbridge",
		Name:      "run_duration_seconds",
		Help:      "Wall time of reconciliation runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 11),
	}, []string{"module"})

	m.Items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncbridge",
		Name:      "items_total",
		Help:      "Per-item outcomes by module, bucket, and outcome.",
	}, []string{"module", "bucket", "outcome"})

	m.Suppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncbridge",
		Name:      "suppressed_events_total",
		Help:      "Inbound events suppressed by the loop-prevention tracker.",
	}, []string{"system"})

	m.registry.MustRegister(m.Runs, m.RunDuration, m.Items, m.Suppressed)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveItem is the nil-safe item counter.
func (m *Metrics) ObserveItem(module, bucket, outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(module, bucket, outcome).Inc()
}

// ObserveRun is the nil-safe run counter.
func (m *Metrics) ObserveRun(module, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(module, result).Inc()
	m.RunDuration.WithLabelValues(module).Observe(seconds)
}

// ObserveSuppressed is the nil-safe suppression counter.
func (m *Metrics) ObserveSuppressed(system string) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(system).Inc()
}
