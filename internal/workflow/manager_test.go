package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"engraver/internal/artifact"
	"engraver/internal/config"
	"engraver/internal/engraving"
	"engraver/internal/events"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/notifications"
	"engraver/internal/queue"
	"engraver/internal/services"
	"engraver/internal/stage"
	"engraver/internal/testsupport"
	"engraver/internal/workflow"
)

type stubHandler struct {
	mu         sync.Mutex
	prepares   int
	executes   int
	prepareErr func(call int) error
	executeErr func(call int) error
	block      chan struct{}
	started    chan struct{}
}

func (s *stubHandler) Prepare(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	s.prepares++
	call := s.prepares
	fn := s.prepareErr
	s.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (s *stubHandler) Execute(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	s.executes++
	call := s.executes
	fn := s.executeErr
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (s *stubHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("stub")
}

func (s *stubHandler) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepares, s.executes
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count(event notifications.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evts ...events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evts...)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) statuses() []queue.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Status, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.To)
	}
	return out
}

type fakeGate struct {
	mu      sync.Mutex
	present bool
	changed chan struct{}
}

func newFakeGate(present bool) *fakeGate {
	return &fakeGate{present: present, changed: make(chan struct{})}
}

func (g *fakeGate) Present() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.present
}

func (g *fakeGate) WaitPresent(ctx context.Context) error {
	for {
		g.mu.Lock()
		present, changed := g.present, g.changed
		g.mu.Unlock()
		if present {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (g *fakeGate) attach() {
	g.mu.Lock()
	g.present = true
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

func testConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Engraving.RetryBackoff = 0
	cfg.Engraving.RetryJitter = 0
	cfg.Workflow.QueuePollInterval = 1
	return cfg
}

func startManager(t *testing.T, mgr *workflow.Manager) {
	t.Helper()
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
}

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), id)
	t.Fatalf("timed out waiting for job %d to reach %s (last: %+v)", id, want, job)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func historyStatuses(t *testing.T, store *queue.Store, id int64) []queue.Status {
	t.Helper()
	entries, err := store.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	out := make([]queue.Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToStatus)
	}
	return out
}

func equalStatuses(a, b []queue.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManagerCompletesJob(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	m := metrics.New()

	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(),
		workflow.WithNotifier(notifier),
		workflow.WithPublisher(publisher),
		workflow.WithMetrics(m),
	)
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0001")
	mgr.Wake()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if done.Attempts != 0 {
		t.Fatalf("expected no failed attempts, got %d", done.Attempts)
	}
	if done.CorrelationID == "" {
		t.Fatal("expected correlation id to be stamped on claim")
	}
	want := []queue.Status{queue.StatusPending, queue.StatusInProgress, queue.StatusEngraving, queue.StatusCompleted}
	if got := historyStatuses(t, store, job.ID); !equalStatuses(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
	if got := publisher.statuses(); !equalStatuses(got, want[1:]) {
		t.Fatalf("unexpected published events %v", got)
	}
	if got := testutil.ToFloat64(m.JobOutcomes.WithLabelValues(metrics.OutcomeCompleted)); got != 1 {
		t.Fatalf("expected completed outcome metric 1, got %v", got)
	}

	waitFor(t, "queue drained notification", func() bool {
		return notifier.count(notifications.EventQueueCompleted) == 1
	})
	if notifier.count(notifications.EventQueueStarted) != 1 {
		t.Fatalf("expected one queue start notification, got %v", notifier.events)
	}
	if notifier.count(notifications.EventJobCompleted) != 1 {
		t.Fatalf("expected one job completed notification, got %v", notifier.events)
	}

	status := mgr.Status(context.Background())
	if !status.Running || !status.DevicePresent {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastJob == nil || status.LastJob.ID != job.ID {
		t.Fatalf("expected last job %d, got %+v", job.ID, status.LastJob)
	}
	if status.HandlerHealth.Name != "stub" || !status.HandlerHealth.Ready {
		t.Fatalf("unexpected handler health %+v", status.HandlerHealth)
	}
	if status.QueueStats[queue.StatusCompleted] != 1 {
		t.Fatalf("unexpected queue stats %+v", status.QueueStats)
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{
		executeErr: func(call int) error {
			if call == 1 {
				return services.Wrap(services.ErrDevice, "engraving", "stream", "controller reset", nil)
			}
			return nil
		},
	}
	notifier := &recordingNotifier{}
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(), workflow.WithNotifier(notifier))
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0002")
	mgr.Wake()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if done.Attempts != 1 {
		t.Fatalf("expected one failed attempt recorded, got %d", done.Attempts)
	}
	if _, executes := handler.counts(); executes != 2 {
		t.Fatalf("expected two executions, got %d", executes)
	}
	want := []queue.Status{
		queue.StatusPending, queue.StatusInProgress, queue.StatusEngraving, queue.StatusPending,
		queue.StatusInProgress, queue.StatusEngraving, queue.StatusCompleted,
	}
	if got := historyStatuses(t, store, job.ID); !equalStatuses(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
	if notifier.count(notifications.EventJobRetry) != 1 {
		t.Fatalf("expected one retry notification, got %v", notifier.events)
	}
}

func TestManagerPermanentFailureSkipsRetries(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{
		prepareErr: func(int) error {
			return services.Wrap(services.ErrValidation, "gcode", "parse", "line 3 too long", nil)
		},
	}
	notifier := &recordingNotifier{}
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(), workflow.WithNotifier(notifier))
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0003")
	mgr.Wake()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", failed.Attempts)
	}
	if failed.ErrorMessage == "" {
		t.Fatal("expected error message to be recorded")
	}
	prepares, executes := handler.counts()
	if prepares != 1 || executes != 0 {
		t.Fatalf("expected one prepare and no execute, got %d/%d", prepares, executes)
	}
	waitFor(t, "failure notification", func() bool {
		return notifier.count(notifications.EventJobFailed) == 1
	})
}

func TestManagerExhaustsAttempts(t *testing.T) {
	cfg := testConfig(t, testsupport.WithMaxAttempts(2))
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{
		executeErr: func(int) error { return errors.New("serial write failed") },
	}
	m := metrics.New()
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(),
		workflow.WithNotifier(&recordingNotifier{}),
		workflow.WithMetrics(m),
	)
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0004")
	mgr.Wake()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.Attempts != 2 || failed.MaxAttempts != 2 {
		t.Fatalf("expected 2/2 attempts, got %d/%d", failed.Attempts, failed.MaxAttempts)
	}
	if _, executes := handler.counts(); executes != 2 {
		t.Fatalf("expected two executions, got %d", executes)
	}
	if got := testutil.ToFloat64(m.JobOutcomes.WithLabelValues(metrics.OutcomeRetry)); got != 1 {
		t.Fatalf("expected one retry outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobOutcomes.WithLabelValues(metrics.OutcomeFailed)); got != 1 {
		t.Fatalf("expected one failed outcome, got %v", got)
	}
}

func TestManagerWaitsForDevice(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{}
	gate := newFakeGate(false)
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(),
		workflow.WithNotifier(&recordingNotifier{}),
		workflow.WithDeviceGate(gate),
	)
	startManager(t, mgr)

	job := testsupport.Enqueue(t, store, "RC-0005")
	mgr.Wake()
	time.Sleep(100 * time.Millisecond)

	if prepares, _ := handler.counts(); prepares != 0 {
		t.Fatalf("expected no work while device absent, got %d prepares", prepares)
	}
	if status := mgr.Status(context.Background()); status.DevicePresent {
		t.Fatal("expected status to report the device as absent")
	}

	gate.attach()
	waitForStatus(t, store, job.ID, queue.StatusCompleted)
}

func TestManagerStartResetsInterruptedJobs(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.Enqueue(t, store, "RC-0006")
	if _, err := store.Claim(context.Background(), job.ID, "previous-run"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	mgr := workflow.NewManager(cfg, store, &stubHandler{}, logging.NewNop(), workflow.WithNotifier(&recordingNotifier{}))
	startManager(t, mgr)

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if done.Attempts != 0 {
		t.Fatalf("expected reset not to consume an attempt, got %d", done.Attempts)
	}
	if done.CorrelationID == "previous-run" {
		t.Fatal("expected a fresh correlation id for the new attempt")
	}
}

func TestManagerStopWaitsForActiveJob(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := &stubHandler{block: make(chan struct{}), started: make(chan struct{}, 1)}
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(), workflow.WithNotifier(&recordingNotifier{}))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	job := testsupport.Enqueue(t, store, "RC-0007")
	mgr.Wake()
	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never started")
	}

	stopped := make(chan struct{})
	go func() {
		mgr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was engraving")
	case <-time.After(100 * time.Millisecond):
	}

	close(handler.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	done, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if done.Status != queue.StatusCompleted {
		t.Fatalf("expected in-flight job to complete, got %s", done.Status)
	}
	if mgr.Status(context.Background()).Running {
		t.Fatal("expected manager to report stopped")
	}
}

func TestManagerRejectsDoubleStart(t *testing.T) {
	cfg := testConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	mgr := workflow.NewManager(cfg, store, &stubHandler{}, logging.NewNop(), workflow.WithNotifier(&recordingNotifier{}))
	startManager(t, mgr)
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestManagerEngravesWithFakeController(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serial.CommandTimeout = 2
	store := testsupport.MustOpenStore(t, cfg)
	fetcher, err := artifact.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	fake := testsupport.NewFakeGRBL(t, testsupport.WithBusyPolls(1))
	handler := engraving.NewHandler(cfg, fetcher, store, logging.NewNop(), engraving.WithOpener(fake.Opener()))
	mgr := workflow.NewManager(cfg, store, handler, logging.NewNop(), workflow.WithNotifier(&recordingNotifier{}))
	startManager(t, mgr)

	path := testsupport.WriteGCode(t, testsupport.BaseDir(cfg), "rc-0008.gcode")
	job, err := store.Enqueue(context.Background(), queue.EnqueueRequest{ItemRef: "RC-0008", ArtifactRef: path})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mgr.Wake()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if done.LinesSent != len(testsupport.SampleProgram) || done.LinesTotal != len(testsupport.SampleProgram) {
		t.Fatalf("unexpected progress %d/%d", done.LinesSent, done.LinesTotal)
	}
	if got := len(fake.Received()); got != len(testsupport.SampleProgram) {
		t.Fatalf("expected controller to receive %d lines, got %d", len(testsupport.SampleProgram), got)
	}
}
