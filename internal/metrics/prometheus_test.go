package metrics

import (
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.Registry() == nil {
		t.Error("registry not initialized")
	}
}

func TestRecordCall(t *testing.T) {
	c := NewCollector()
	c.RecordCall("driver-1", "initialize", 0.01, false)
	c.RecordCall("driver-1", "initialize", 0.02, false)
	c.RecordCall("driver-1", "tools/call", 0.5, true)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := familiesByName(families)

	if got := counterValue(byName["relaykit_driver_calls_total"], "driver-1", "initialize"); got != 2 {
		t.Errorf("expected 2 calls for initialize, got %v", got)
	}
	if got := counterValue(byName["relaykit_driver_call_errors_total"], "driver-1", "tools/call"); got != 1 {
		t.Errorf("expected 1 error for tools/call, got %v", got)
	}
	if hist := histogramSampleCount(byName["relaykit_driver_call_duration_seconds"], "driver-1", "initialize"); hist != 2 {
		t.Errorf("expected duration histogram with count 2, got %d", hist)
	}
}

func TestIncPendingWaiters(t *testing.T) {
	c := NewCollector()
	c.IncPendingWaiters("driver-1", 1)
	c.IncPendingWaiters("driver-1", 1)
	c.IncPendingWaiters("driver-1", -1)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := familiesByName(families)
	if got := gaugeValue(byName["relaykit_driver_pending_waiters"], "driver-1"); got != 1 {
		t.Errorf("expected 1 pending waiter, got %v", got)
	}
}

func TestExposeContainsRegisteredMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordCall("driver-1", "initialize", 0.1, false)
	c.IncPendingWaiters("driver-1", 1)

	out := c.Expose()

	for _, want := range []string{
		"relaykit_driver_calls_total",
		"relaykit_driver_call_duration_seconds",
		"relaykit_driver_call_errors_total",
		"relaykit_driver_pending_waiters",
		`driver_id="driver-1"`,
		`method="initialize"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expose() output missing %q:\n%s", want, out)
		}
	}
}

func familiesByName(families []*dto.MetricFamily) map[string]*dto.MetricFamily {
	m := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		m[f.GetName()] = f
	}
	return m
}

func labelsMatch(m *dto.Metric, driverID, method string) bool {
	var gotDriver, gotMethod string
	for _, l := range m.GetLabel() {
		switch l.GetName() {
		case "driver_id":
			gotDriver = l.GetValue()
		case "method":
			gotMethod = l.GetValue()
		}
	}
	if method == "" {
		return gotDriver == driverID
	}
	return gotDriver == driverID && gotMethod == method
}

func counterValue(mf *dto.MetricFamily, driverID, method string) float64 {
	if mf == nil {
		return -1
	}
	for _, m := range mf.GetMetric() {
		if labelsMatch(m, driverID, method) {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func gaugeValue(mf *dto.MetricFamily, driverID string) float64 {
	if mf == nil {
		return -1
	}
	for _, m := range mf.GetMetric() {
		if labelsMatch(m, driverID, "") {
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func histogramSampleCount(mf *dto.MetricFamily, driverID, method string) uint64 {
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if labelsMatch(m, driverID, method) {
			return m.GetHistogram().GetSampleCount()
		}
	}
	return 0
}
