package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

// findMetric, metricValue and labelValue dig a single metric's current value
// out of Gather() output, avoiding a dependency on the testutil subpackage
// for what these tests need.
func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	default:
		return 0
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestCollector_SessionLifecycle(t *testing.T) {
	c := New()

	c.SessionStarted()
	c.SessionStarted()

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	active := findMetric(t, families, "pgdebugproxy_sessions_active")
	if got := metricValue(active.Metric[0]); got != 2 {
		t.Errorf("sessionsActive = %v, want 2", got)
	}
	total := findMetric(t, families, "pgdebugproxy_sessions_total")
	if got := metricValue(total.Metric[0]); got != 2 {
		t.Errorf("sessionsTotal = %v, want 2", got)
	}

	c.SessionEnded("primary_disconnect")
	families, _ = c.Registry.Gather()
	active = findMetric(t, families, "pgdebugproxy_sessions_active")
	if got := metricValue(active.Metric[0]); got != 1 {
		t.Errorf("sessionsActive = %v, want 1", got)
	}
	errs := findMetric(t, families, "pgdebugproxy_session_errors_total")
	found := false
	for _, m := range errs.Metric {
		if labelValue(m, "kind") == "primary_disconnect" {
			found = true
			if got := metricValue(m); got != 1 {
				t.Errorf("sessionErrorsTotal{kind=primary_disconnect} = %v, want 1", got)
			}
		}
	}
	if !found {
		t.Error("expected a primary_disconnect labeled series")
	}
}

func TestCollector_DebugAttachLifecycle(t *testing.T) {
	c := New()

	c.DebugAttached()
	families, _ := c.Registry.Gather()
	active := findMetric(t, families, "pgdebugproxy_debug_sessions_active")
	if got := metricValue(active.Metric[0]); got != 1 {
		t.Errorf("debugSessionsActive = %v, want 1", got)
	}
	total := findMetric(t, families, "pgdebugproxy_debug_attaches_total")
	if got := metricValue(total.Metric[0]); got != 1 {
		t.Errorf("debugAttachesTotal = %v, want 1", got)
	}

	c.DebugDetached()
	families, _ = c.Registry.Gather()
	active = findMetric(t, families, "pgdebugproxy_debug_sessions_active")
	if got := metricValue(active.Metric[0]); got != 0 {
		t.Errorf("debugSessionsActive = %v, want 0", got)
	}
}

func TestCollector_FrameForwardedByDirection(t *testing.T) {
	c := New()

	c.FrameForwarded("client_to_backend")
	c.FrameForwarded("client_to_backend")
	c.FrameForwarded("backend_to_debug")

	families, _ := c.Registry.Gather()
	fwd := findMetric(t, families, "pgdebugproxy_frames_forwarded_total")
	seen := map[string]float64{}
	for _, m := range fwd.Metric {
		seen[labelValue(m, "direction")] = metricValue(m)
	}
	if seen["client_to_backend"] != 2 {
		t.Errorf("client_to_backend = %v, want 2", seen["client_to_backend"])
	}
	if seen["backend_to_debug"] != 1 {
		t.Errorf("backend_to_debug = %v, want 1", seen["backend_to_debug"])
	}
}

func TestCollector_FramingError(t *testing.T) {
	c := New()
	c.FramingError()
	c.FramingError()

	families, _ := c.Registry.Gather()
	m := findMetric(t, families, "pgdebugproxy_framing_errors_total")
	if got := metricValue(m.Metric[0]); got != 2 {
		t.Errorf("framingErrorsTotal = %v, want 2", got)
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.SessionStarted()

	families, _ := b.Registry.Gather()
	active := findMetric(t, families, "pgdebugproxy_sessions_active")
	if got := metricValue(active.Metric[0]); got != 0 {
		t.Error("separate Collectors must not share state")
	}
}
