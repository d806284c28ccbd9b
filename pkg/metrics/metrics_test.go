package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("jobs_total", "Jobs processed")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("counter = %d, want 5", c.Value())
	}

	g := r.Gauge("queue_depth", "")
	g.Set(10)
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("gauge = %d, want 9", g.Value())
	}

	// Same name returns the same instance.
	if r.Counter("jobs_total", "") != c {
		t.Error("counter not deduplicated by name")
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("requests_total", "method", "GET", "code", "200")
	want := `requests_total{method="GET",code="200"}`
	if got != want {
		t.Errorf("WithLabels = %q, want %q", got, want)
	}
	if got := WithLabels("plain"); got != "plain" {
		t.Errorf("no-label name mangled: %q", got)
	}
	if got := WithLabels("odd", "k"); got != "odd" {
		t.Errorf("odd label pairs should be ignored: %q", got)
	}
}

func TestRenderExposition(t *testing.T) {
	r := New()
	r.Counter(WithLabels("executions_total", "outcome", "completed"), "Executions by outcome").Add(3)
	r.Counter(WithLabels("executions_total", "outcome", "failed"), "").Inc()
	h := r.Histogram("merge_seconds", "Merge duration", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(5)

	out := r.Render()
	for _, want := range []string{
		"# HELP executions_total Executions by outcome",
		"# TYPE executions_total counter",
		`executions_total{outcome="completed"} 3`,
		`executions_total{outcome="failed"} 1`,
		"# TYPE merge_seconds histogram",
		`merge_seconds_bucket{le="0.1"} 1`,
		`merge_seconds_bucket{le="10"} 2`,
		`merge_seconds_bucket{le="+Inf"} 2`,
		"merge_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q:\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
