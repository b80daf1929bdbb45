package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("tasks_completed_total", map[string]string{"category": "Day"}, 3)
	r.IncCounter("tasks_completed_total", map[string]string{"category": "Night"}, 1)
	r.SetGauge("credit_dead_letter_count", map[string]string{"queue_backend": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, "# TYPE tasks_completed_total counter") {
		t.Fatalf("missing counter TYPE header: %s", out)
	}
	if strings.Count(out, "# TYPE tasks_completed_total counter") != 1 {
		t.Fatalf("TYPE header should appear once per name: %s", out)
	}
	if !strings.Contains(out, `tasks_completed_total{category="Day"} 3`) {
		t.Fatalf("missing Day series: %s", out)
	}
	if !strings.Contains(out, `credit_dead_letter_count{queue_backend="memory"} 2`) {
		t.Fatalf("missing dead-letter gauge: %s", out)
	}
}

func TestCountersAccumulateAndGaugesReplace(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("verifications_approved_total", nil, 1)
	r.IncCounter("verifications_approved_total", nil, 2)
	r.SetGauge("session_tasks_in_progress", nil, 5)
	r.SetGauge("session_tasks_in_progress", nil, 1)

	snap := r.Snapshot()
	if len(snap.Counters) != 1 || snap.Counters[0].Value != 3 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
	if len(snap.Gauges) != 1 || snap.Gauges[0].Value != 1 {
		t.Fatalf("gauges = %+v", snap.Gauges)
	}

	r.Reset()
	if s := r.Snapshot(); len(s.Counters)+len(s.Gauges) != 0 {
		t.Fatalf("reset left series behind: %+v", s)
	}
}

func TestSanitizeMetricName(t *testing.T) {
	if got := sanitizeMetricName("tasks completed/total"); got != "tasks_completed_total" {
		t.Fatalf("sanitized = %q", got)
	}
	if got := sanitizeMetricName(""); got != "donezo_metric" {
		t.Fatalf("empty name = %q", got)
	}
}
