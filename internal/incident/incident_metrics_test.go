package incident

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPromMetrics_HooksTrackStatusGauge(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.SeedStatus(map[Status]int{StatusOpen: 2, StatusResolved: 7})

	h := m.Hooks()
	h.OnCreated(SeverityHigh, OriginAuthority)
	h.OnCreated(SeverityHigh, OriginFallback)
	h.OnTransition(StatusOpen, StatusResolved)

	if got := gaugeValue(t, m.IncidentsByState.WithLabelValues("open")); got != 3 {
		t.Errorf("open gauge = %v, want 3", got)
	}
	if got := gaugeValue(t, m.IncidentsByState.WithLabelValues("resolved")); got != 8 {
		t.Errorf("resolved gauge = %v, want 8", got)
	}
	if got := gaugeValue(t, m.IncidentsByState.WithLabelValues("acknowledged")); got != 0 {
		t.Errorf("acknowledged gauge = %v, want 0", got)
	}
	if got := counterValue(t, m.IncidentsCreated.WithLabelValues("high", OriginFallback)); got != 1 {
		t.Errorf("fallback created = %v, want 1", got)
	}
	if got := counterValue(t, m.Transitions.WithLabelValues("open", "resolved")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestPromMetrics_DoubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}
