package workflow

import (
	"context"
	"errors"
	"time"

	"engraver/internal/events"
	"engraver/internal/logging"
	"engraver/internal/notifications"
	"engraver/internal/queue"
)

const publishTimeout = 5 * time.Second

func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("daemon shutting down, notification dropped", logging.String("event", string(event)))
			return
		}
		m.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

func (m *Manager) notifyJobCompleted(ctx context.Context, job *queue.Job, duration time.Duration) {
	m.notify(ctx, notifications.EventJobCompleted, notifications.Payload{
		"jobID":    job.ID,
		"itemRef":  job.ItemRef,
		"duration": duration,
	})
}

func (m *Manager) notifyJobRetry(ctx context.Context, job *queue.Job, attempt int, retryAt time.Time, message string) {
	m.notify(ctx, notifications.EventJobRetry, notifications.Payload{
		"jobID":       job.ID,
		"itemRef":     job.ItemRef,
		"attempt":     attempt + 1,
		"maxAttempts": job.MaxAttempts,
		"retryAt":     retryAt,
		"error":       message,
	})
}

func (m *Manager) notifyJobFailed(ctx context.Context, job *queue.Job, kind, message string) {
	m.notify(ctx, notifications.EventJobFailed, notifications.Payload{
		"jobID":    job.ID,
		"itemRef":  job.ItemRef,
		"attempts": job.Attempts,
		"kind":     kind,
		"error":    message,
	})
}

// publish emits a lifecycle event. Kafka outages are logged and never
// block the worker beyond publishTimeout.
func (m *Manager) publish(ctx context.Context, job *queue.Job, from queue.Status, attempt int, message string) {
	if m.publisher == nil || job == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pubCtx, events.NewEvent(job, from, attempt, message)); err != nil {
		logging.WithContext(ctx, m.logger).Warn("lifecycle event not published",
			logging.Error(err),
			logging.String("to_status", string(job.Status)),
			logging.String(logging.FieldEventType, "event_publish_failed"),
			logging.String(logging.FieldImpact, "downstream consumers miss this transition"),
		)
	}
}

func (m *Manager) onJobStarted(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("queue stats unavailable for start notification; notification skipped",
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_stats_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.String(logging.FieldImpact, "start notification will not be sent"),
		)
		return
	}
	m.mu.Lock()
	if m.queueActive {
		m.mu.Unlock()
		return
	}
	m.queueActive = true
	m.queueStart = time.Now()
	m.runCompleted = 0
	m.runFailed = 0
	m.mu.Unlock()

	m.notify(ctx, notifications.EventQueueStarted, notifications.Payload{"count": countActiveJobs(stats)})
}

// checkQueueCompletion sends the drained notification once no job is
// pending or in flight after a run started.
func (m *Manager) checkQueueCompletion(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("queue stats unavailable for completion notification; notification skipped",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_stats_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "completion notification will not be sent"),
			)
		}
		return
	}
	if countActiveJobs(stats) > 0 {
		return
	}

	m.mu.Lock()
	if !m.queueActive {
		m.mu.Unlock()
		return
	}
	start := m.queueStart
	processed, failed := m.runCompleted, m.runFailed
	m.queueActive = false
	m.queueStart = time.Time{}
	m.mu.Unlock()

	m.logger.Info("engraving queue drained",
		logging.Int("completed", processed),
		logging.Int("failed", failed),
		logging.Duration("run_duration", time.Since(start)),
		logging.String(logging.FieldEventType, "queue_drained"),
	)
	m.notify(ctx, notifications.EventQueueCompleted, notifications.Payload{
		"processed": processed,
		"failed":    failed,
		"duration":  time.Since(start),
	})
}

func (m *Manager) recordOutcome(failed bool) {
	m.mu.Lock()
	if failed {
		m.runFailed++
	} else {
		m.runCompleted++
	}
	m.mu.Unlock()
}

func (m *Manager) refreshQueueDepth(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return
	}
	m.metrics.SetQueueDepth(stats)
}

func countActiveJobs(stats map[queue.Status]int) int {
	return stats[queue.StatusPending] + stats[queue.StatusInProgress] + stats[queue.StatusEngraving]
}
