// Package metrics exposes Prometheus instrumentation for scoring runs and
// alert review.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Review actions.
const (
	ActionAcknowledge = "acknowledge"
	ActionSnooze      = "snooze"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	scored       prometheus.Counter
	flagged      prometheus.Counter
	runDuration  prometheus.Histogram
	reviews      *prometheus.CounterVec
	activeAlerts prometheus.Gauge
	totalAlerts  prometheus.Gauge
}

// New creates collectors on a fresh registry, with the Go and process
// collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		scored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txguard", Subsystem: "scoring", Name: "transactions_total",
			Help: "Total number of transactions scored.",
		}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txguard", Subsystem: "scoring", Name: "flagged_total",
			Help: "Total number of transactions flagged as anomalous.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txguard", Subsystem: "scoring", Name: "run_duration_seconds",
			Help:    "Duration of batch scoring runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txguard", Subsystem: "alerts", Name: "review_actions_total",
			Help: "Total number of review actions by kind.",
		}, []string{"action"}),
		activeAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txguard", Subsystem: "alerts", Name: "active",
			Help: "Alerts currently due for review.",
		}),
		totalAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txguard", Subsystem: "alerts", Name: "stored",
			Help: "Alerts currently stored.",
		}),
	}

	reg.MustRegister(
		m.scored, m.flagged, m.runDuration, m.reviews, m.activeAlerts, m.totalAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records one batch scoring run.
func (m *Metrics) ObserveRun(scored, flagged int, elapsed time.Duration) {
	m.scored.Add(float64(scored))
	m.flagged.Add(float64(flagged))
	m.runDuration.Observe(elapsed.Seconds())
}

// ObserveReview counts a review action.
func (m *Metrics) ObserveReview(action string) {
	m.reviews.WithLabelValues(action).Inc()
}

// SetQueue records the current alert counts.
func (m *Metrics) SetQueue(total, active int) {
	m.totalAlerts.Set(float64(total))
	m.activeAlerts.Set(float64(active))
}
