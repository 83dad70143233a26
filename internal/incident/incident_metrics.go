package incident

import "github.com/prometheus/client_golang/prometheus"

// PromMetrics holds Prometheus metrics for the incident lifecycle.
type PromMetrics struct {
	IncidentsCreated *prometheus.CounterVec
	IncidentsByState *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	MTTA             prometheus.Histogram
	MTTR             prometheus.Histogram
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_incidents_created_total",
			Help: "Total incidents created by severity and origin (authority or fallback).",
		}, []string{"severity", "origin"}),
		IncidentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "incidentd_incidents",
			Help: "Current number of incidents by status.",
		}, []string{"status"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_incident_transitions_total",
			Help: "Total status transitions by source and target status.",
		}, []string{"from", "to"}),
		MTTA: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentd_incident_mtta_seconds",
			Help:    "Time from incident creation to first acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 12), // 30s .. ~17h
		}),
		MTTR: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "incidentd_incident_mttr_seconds",
			Help:    "Time from incident creation to resolution.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12), // 1m .. ~34h
		}),
	}

	reg.MustRegister(
		m.IncidentsCreated,
		m.IncidentsByState,
		m.Transitions,
		m.MTTA,
		m.MTTR,
	)

	return m
}

// SeedStatus sets the per-status gauge from stored counts.
func (m *PromMetrics) SeedStatus(counts map[Status]int) {
	for _, st := range Statuses {
		m.IncidentsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Hooks returns service Hooks that update the corresponding metrics.
func (m *PromMetrics) Hooks() Hooks {
	return Hooks{
		OnCreated: func(severity Severity, origin string) {
			m.IncidentsCreated.WithLabelValues(string(severity), origin).Inc()
			m.IncidentsByState.WithLabelValues(string(StatusOpen)).Inc()
		},
		OnTransition: func(from, to Status) {
			m.Transitions.WithLabelValues(string(from), string(to)).Inc()
			m.IncidentsByState.WithLabelValues(string(from)).Dec()
			m.IncidentsByState.WithLabelValues(string(to)).Inc()
		},
		OnAcknowledged: func(mtta float64) {
			m.MTTA.Observe(mtta)
		},
		OnResolved: func(mttr float64) {
			m.MTTR.Observe(mttr)
		},
	}
}
