package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"engraver/internal/queue"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.ObserveEnqueue("api")
	m.ObserveEnqueue("api")
	m.ObserveEnqueue("")
	m.ObserveOutcome(OutcomeRetry)
	m.ObserveSerialError("alarm")
	m.ObserveDuration(42 * time.Second)
	m.SetQueueDepth(map[queue.Status]int{queue.StatusPending: 4})

	if got := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("api")); got != 2 {
		t.Fatalf("expected 2 api enqueues, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected blank source to count as unknown, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")); got != 4 {
		t.Fatalf("expected pending depth 4, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("failed")); got != 0 {
		t.Fatalf("expected failed depth 0, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveOutcome(OutcomeCompleted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `engraver_job_outcomes_total{outcome="completed"} 1`) {
		t.Fatalf("metrics output missing outcome counter:\n%s", body)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveEnqueue("api")
	m.ObserveOutcome(OutcomeFailed)
	m.ObserveDuration(time.Second)
	m.ObserveSerialError("timeout")
	m.SetQueueDepth(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
