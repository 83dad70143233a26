package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// PromMetrics holds Prometheus metrics for alert ingress.
type PromMetrics struct {
	AlertsReceived   *prometheus.CounterVec
	AlertsCorrelated *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	Processing       prometheus.Histogram
}

// NewMetrics registers and returns ingress metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		AlertsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_alerts_received_total",
			Help: "Total alerts received by severity.",
		}, []string{"severity"}),
		AlertsCorrelated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_alerts_correlated_total",
			Help: "Total stored alerts by correlation action (new_incident, existing_incident).",
		}, []string{"action"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_correlation_fallbacks_total",
			Help: "Total times correlation fell back to the local store, by failed step.",
		}, []string{"reason"}),
		Processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentd_alert_processing_seconds",
			Help:    "Time to correlate and store one alert.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.AlertsReceived, m.AlertsCorrelated, m.Fallbacks, m.Processing)
	return m
}

// Hooks returns ingress Hooks that update the corresponding metrics.
func (m *PromMetrics) Hooks() Hooks {
	return Hooks{
		OnReceived: func(severity incident.Severity) {
			m.AlertsReceived.WithLabelValues(string(severity)).Inc()
		},
		OnCorrelated: func(action string) {
			m.AlertsCorrelated.WithLabelValues(action).Inc()
		},
		OnFallback: func(reason string) {
			m.Fallbacks.WithLabelValues(reason).Inc()
		},
		OnProcessed: func(d time.Duration) {
			m.Processing.Observe(d.Seconds())
		},
	}
}
