package workflow_test

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/notifications"
	"engraver/internal/queue"
	"engraver/internal/testsupport"
	"engraver/internal/workflow"
)

// eventCounter counts log records by event_type.
type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEventCounter() *eventCounter {
	return &eventCounter{counts: make(map[string]int)}
}

func (c *eventCounter) Enabled(context.Context, slog.Level) bool { return true }

func (c *eventCounter) Handle(_ context.Context, record slog.Record) error {
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == logging.FieldEventType {
			c.mu.Lock()
			c.counts[attr.Value.String()]++
			c.mu.Unlock()
			return false
		}
		return true
	})
	return nil
}

func (c *eventCounter) WithAttrs([]slog.Attr) slog.Handler { return c }

func (c *eventCounter) WithGroup(string) slog.Handler { return c }

func (c *eventCounter) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[eventType]
}

// installTrigger adds a trigger that aborts matching job updates, simulating
// a database that rejects the write.
func installTrigger(t *testing.T, cfg *config.Config, name, when string) {
	t.Helper()
	db, err := sql.Open("sqlite", cfg.QueueDBPath())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	stmt := "CREATE TRIGGER " + name + " BEFORE UPDATE ON engraving_jobs WHEN " + when +
		" BEGIN SELECT RAISE(ABORT, '" + name + "'); END"
	if _, err := db.Exec(stmt); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}

func TestManagerBacksOffWhenClaimFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.ErrorRetryInterval = 10
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.Enqueue(t, store, "RC-0101")
	installTrigger(t, cfg, "block_claim",
		"OLD.status = '"+string(queue.StatusPending)+"' AND NEW.status = '"+string(queue.StatusInProgress)+"'")

	counter := newEventCounter()
	handler := &stubHandler{}
	mgr := workflow.NewManager(cfg, store, handler, slog.New(counter))
	startManager(t, mgr)

	waitFor(t, "first claim failure", func() bool {
		return counter.count("claim_failed") >= 1
	})
	time.Sleep(500 * time.Millisecond)

	if got := counter.count("claim_failed"); got != 1 {
		t.Fatalf("expected a single claim attempt within the retry interval, got %d", got)
	}
	status := mgr.Status(context.Background())
	if status.LastError == "" {
		t.Fatal("expected last error to record the claim failure")
	}
	current, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if current.Status != queue.StatusPending {
		t.Fatalf("expected job to stay pending, got %s", current.Status)
	}
	if prepares, _ := handler.counts(); prepares != 0 {
		t.Fatalf("expected no prepare calls, got %d", prepares)
	}
}

func TestManagerParksJobWhenCompletionNotRecorded(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	installTrigger(t, cfg, "block_complete", "NEW.status = '"+string(queue.StatusCompleted)+"'")

	handler := &stubHandler{}
	notifier := &recordingNotifier{}
	m := metrics.New()
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(),
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(m),
	)
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0102")
	mgr.Wake()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", failed.Attempts)
	}
	if !strings.Contains(failed.ErrorMessage, "completion was not recorded") {
		t.Fatalf("unexpected error message %q", failed.ErrorMessage)
	}
	waitFor(t, "failure notification", func() bool {
		return notifier.count(notifications.EventJobFailed) == 1
	})
	if got := testutil.ToFloat64(m.JobOutcomes.WithLabelValues(metrics.OutcomeFailed)); got != 1 {
		t.Fatalf("expected failed outcome metric 1, got %v", got)
	}

	mgr.Wake()
	time.Sleep(200 * time.Millisecond)
	if _, executes := handler.counts(); executes != 1 {
		t.Fatalf("expected the job to be engraved once, got %d", executes)
	}
	want := []queue.Status{queue.StatusPending, queue.StatusInProgress, queue.StatusEngraving, queue.StatusFailed}
	if got := historyStatuses(t, store, job.ID); !equalStatuses(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
}
