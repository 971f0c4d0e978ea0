package api

import (
	"context"
	"fmt"

	"engraver/internal/events"
	"engraver/internal/metrics"
	"engraver/internal/queue"
)

// QueueStore abstracts the queue persistence operations exposed over the API.
type QueueStore interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	GetByID(ctx context.Context, id int64) (*queue.Job, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	History(ctx context.Context, jobID int64) ([]*queue.HistoryEntry, error)
	Position(ctx context.Context, id int64) (int, error)
	RetryFailed(ctx context.Context, ids ...int64) (int64, error)
	Stats(ctx context.Context) (map[queue.Status]int, error)
	Health(ctx context.Context) (queue.HealthSummary, error)
	CheckHealth(ctx context.Context) (queue.DatabaseHealth, error)
}

// Intake sources recorded in the enqueue metric.
const (
	SourceIPC   = "ipc"
	SourceHTTP  = "http"
	SourceRedis = "redis"
	SourceWatch = "watch"
)

// QueueService exposes queue operations returning API DTOs.
type QueueService struct {
	store     QueueStore
	wake      func()
	metrics   *metrics.Metrics
	publisher events.Publisher
}

// QueueServiceOption customises a QueueService.
type QueueServiceOption func(*QueueService)

// WithWaker calls fn after every successful enqueue or retry.
func WithWaker(fn func()) QueueServiceOption {
	return func(s *QueueService) {
		s.wake = fn
	}
}

// WithMetrics counts enqueues per intake source.
func WithMetrics(m *metrics.Metrics) QueueServiceOption {
	return func(s *QueueService) {
		s.metrics = m
	}
}

// WithPublisher publishes an event for every accepted job.
func WithPublisher(p events.Publisher) QueueServiceOption {
	return func(s *QueueService) {
		s.publisher = p
	}
}

// NewQueueService constructs a QueueService around the provided store.
func NewQueueService(store QueueStore, opts ...QueueServiceOption) *QueueService {
	if store == nil {
		return nil
	}
	s := &QueueService{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds a job and wakes the worker. source labels the intake path.
func (s *QueueService) Enqueue(ctx context.Context, source string, req queue.EnqueueRequest) (Job, error) {
	if s == nil || s.store == nil {
		return Job{}, fmt.Errorf("queue service unavailable")
	}
	job, err := s.store.Enqueue(ctx, req)
	if err != nil {
		return Job{}, err
	}
	s.metrics.ObserveEnqueue(source)
	if s.publisher != nil {
		// Best effort; the job is already durable.
		_ = s.publisher.Publish(ctx, events.NewEvent(job, "", 0, "Queued via "+source))
	}
	s.notifyWorker()
	return FromJob(job), nil
}

// List returns jobs matching filter.
func (s *QueueService) List(ctx context.Context, filter queue.ListFilter) ([]Job, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return FromJobs(jobs), nil
}

// Describe fetches a single job; nil when it does not exist.
func (s *QueueService) Describe(ctx context.Context, id int64) (*Job, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	dto := FromJob(job)
	return &dto, nil
}

// History returns the transitions of a job, oldest first.
func (s *QueueService) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %d", queue.ErrJobNotFound, id)
	}
	entries, err := s.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromHistory(entries), nil
}

// Position reports where a job sits in the queue.
func (s *QueueService) Position(ctx context.Context, id int64) (Position, error) {
	if s == nil || s.store == nil {
		return Position{}, fmt.Errorf("queue service unavailable")
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Position{}, err
	}
	if job == nil {
		return Position{}, fmt.Errorf("%w: %d", queue.ErrJobNotFound, id)
	}
	pos, err := s.store.Position(ctx, id)
	if err != nil {
		return Position{}, err
	}
	return Position{JobID: id, Status: string(job.Status), Position: pos}, nil
}

// Retry moves failed jobs back to pending. With no ids every failed job is retried.
func (s *QueueService) Retry(ctx context.Context, ids []int64) (int64, error) {
	if s == nil || s.store == nil {
		return 0, nil
	}
	updated, err := s.store.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.notifyWorker()
	}
	return updated, nil
}

// Stats returns queue summary counts keyed by status string.
func (s *QueueService) Stats(ctx context.Context) (map[string]int, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeQueueStats(stats), nil
}

// Health returns aggregated queue counts.
func (s *QueueService) Health(ctx context.Context) (QueueHealth, error) {
	if s == nil || s.store == nil {
		return QueueHealth{}, nil
	}
	h, err := s.store.Health(ctx)
	if err != nil {
		return QueueHealth{}, err
	}
	return FromHealthSummary(h), nil
}

// DatabaseHealth returns queue database diagnostics. Partial diagnostics are
// returned alongside any error.
func (s *QueueService) DatabaseHealth(ctx context.Context) (DatabaseHealth, error) {
	if s == nil || s.store == nil {
		return DatabaseHealth{}, nil
	}
	h, err := s.store.CheckHealth(ctx)
	return FromDatabaseHealth(h), err
}

func (s *QueueService) notifyWorker() {
	if s.wake != nil {
		s.wake()
	}
}
