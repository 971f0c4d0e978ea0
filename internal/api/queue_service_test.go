package api

import (
	"context"
	"errors"
	"testing"

	"engraver/internal/events"
	"engraver/internal/metrics"
	"engraver/internal/queue"
	"engraver/internal/testsupport"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evts ...events.Event) error {
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newService(t *testing.T, opts ...QueueServiceOption) (*QueueService, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return NewQueueService(store, opts...), store
}

func failJob(t *testing.T, store *queue.Store, id int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Claim(ctx, id, "test"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := store.Fail(ctx, id, queue.Failure{Message: "boom", Permanent: true}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
}

func TestQueueServiceEnqueueWakesAndPublishes(t *testing.T) {
	woken := 0
	pub := &recordingPublisher{}
	m := metrics.New()
	svc, _ := newService(t,
		WithWaker(func() { woken++ }),
		WithPublisher(pub),
		WithMetrics(m),
	)

	job, err := svc.Enqueue(context.Background(), SourceHTTP, queue.EnqueueRequest{
		ItemRef:     "RC-0042",
		ArtifactRef: "plates/rc-0042.svg",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != string(queue.StatusPending) || job.ArtifactKind != string(queue.ArtifactSVG) {
		t.Fatalf("unexpected job: %+v", job)
	}
	if woken != 1 {
		t.Fatalf("expected one wake, got %d", woken)
	}
	if len(pub.events) != 1 || pub.events[0].To != queue.StatusPending || pub.events[0].ItemRef != "RC-0042" {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
	if got := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues(SourceHTTP)); got != 1 {
		t.Fatalf("expected enqueue counter 1, got %v", got)
	}
}

func TestQueueServiceEnqueueRejectsInvalid(t *testing.T) {
	woken := 0
	svc, _ := newService(t, WithWaker(func() { woken++ }))
	_, err := svc.Enqueue(context.Background(), SourceIPC, queue.EnqueueRequest{ItemRef: "RC-1"})
	if !errors.Is(err, queue.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if woken != 0 {
		t.Fatalf("rejected enqueue must not wake the worker")
	}
}

func TestQueueServiceDescribeAndPosition(t *testing.T) {
	svc, store := newService(t)
	first := testsupport.Enqueue(t, store, "RC-1")
	second := testsupport.Enqueue(t, store, "RC-2")
	ctx := context.Background()

	missing, err := svc.Describe(ctx, 999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing job, got %+v, %v", missing, err)
	}
	got, err := svc.Describe(ctx, first.ID)
	if err != nil || got == nil || got.ItemRef != "RC-1" {
		t.Fatalf("Describe: %+v, %v", got, err)
	}

	pos, err := svc.Position(ctx, second.ID)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Position != 2 || pos.Status != string(queue.StatusPending) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if _, err := svc.Position(ctx, 999); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueueServiceHistory(t *testing.T) {
	svc, store := newService(t)
	job := testsupport.Enqueue(t, store, "RC-7")
	failJob(t, store, job.ID)

	entries, err := svc.History(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(entries))
	}
	if entries[0].ToStatus != string(queue.StatusPending) || entries[2].ToStatus != string(queue.StatusFailed) {
		t.Fatalf("unexpected history: %+v", entries)
	}
	if _, err := svc.History(context.Background(), 999); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueueServiceStatsIncludeEveryStatus(t *testing.T) {
	svc, store := newService(t)
	testsupport.Enqueue(t, store, "RC-1")

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != len(queue.AllStatuses()) {
		t.Fatalf("expected every status, got %v", stats)
	}
	if stats["pending"] != 1 || stats["failed"] != 0 {
		t.Fatalf("unexpected stats: %v", stats)
	}

	health, err := svc.Health(context.Background())
	if err != nil || health.Total != 1 || health.Pending != 1 {
		t.Fatalf("Health: %+v, %v", health, err)
	}
	db, err := svc.DatabaseHealth(context.Background())
	if err != nil || !db.DatabaseReadable || db.TotalJobs != 1 {
		t.Fatalf("DatabaseHealth: %+v, %v", db, err)
	}
}

func TestRetryFailedJobsByID(t *testing.T) {
	woken := 0
	svc, store := newService(t, WithWaker(func() { woken++ }))
	failed := testsupport.Enqueue(t, store, "RC-1")
	failJob(t, store, failed.ID)
	pending := testsupport.Enqueue(t, store, "RC-2")

	result, err := RetryFailedJobsByID(context.Background(), svc, []int64{failed.ID, pending.ID, 999})
	if err != nil {
		t.Fatalf("RetryFailedJobsByID: %v", err)
	}
	if result.UpdatedCount != 1 {
		t.Fatalf("expected one retried job, got %d", result.UpdatedCount)
	}
	want := []RetryJobOutcome{RetryJobUpdated, RetryJobNotFailed, RetryJobNotFound}
	for i, outcome := range want {
		if result.Jobs[i].Outcome != outcome {
			t.Fatalf("job %d: expected %s, got %s", i, outcome, result.Jobs[i].Outcome)
		}
	}
	if result.Jobs[0].PriorStatus != string(queue.StatusFailed) {
		t.Fatalf("expected prior status failed, got %q", result.Jobs[0].PriorStatus)
	}
	if woken != 1 {
		t.Fatalf("expected one wake, got %d", woken)
	}

	job, err := store.GetByID(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != queue.StatusPending || job.Attempts != 0 {
		t.Fatalf("expected reset pending job, got %s attempts=%d", job.Status, job.Attempts)
	}
}

func TestNilQueueService(t *testing.T) {
	if NewQueueService(nil) != nil {
		t.Fatal("expected nil service for nil store")
	}
	var svc *QueueService
	if jobs, err := svc.List(context.Background(), queue.ListFilter{}); err != nil || jobs != nil {
		t.Fatalf("nil List: %v %v", jobs, err)
	}
	if _, err := svc.Enqueue(context.Background(), SourceIPC, queue.EnqueueRequest{}); err == nil {
		t.Fatal("expected error from nil service")
	}
}
