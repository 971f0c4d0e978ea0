package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/queue"
	"engraver/internal/services"
)

// handleJobFailure classifies err and records the failed attempt. Transient
// failures with budget left go back to pending after a backoff; everything
// else ends in failed.
func (m *Manager) handleJobFailure(ctx context.Context, logger *slog.Logger, job *queue.Job, attempt int, jobErr error) {
	m.setLastError(jobErr)

	message := strings.TrimSpace(jobErr.Error())
	if message == "" {
		message = "engraving failed without error detail"
	}
	permanent := services.IsPermanent(jobErr)
	kind := services.ErrorKind(jobErr)

	var retryAt time.Time
	var delay time.Duration
	if !permanent && attempt < job.MaxAttempts {
		delay = m.retry.Delay(attempt)
		retryAt = time.Now().Add(delay)
	}

	from := job.Status
	if current, err := m.store.GetByID(ctx, job.ID); err == nil && current != nil {
		from = current.Status
	}

	updated, err := m.store.Fail(ctx, job.ID, queue.Failure{
		Message:   message,
		Permanent: permanent,
		RetryAt:   retryAt,
	})
	if err != nil {
		logger.Error("failed to persist job failure",
			logging.Error(err),
			logging.String("job_error", message),
			logging.String(logging.FieldEventType, "failure_persist_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.String(logging.FieldImpact, "job will be reclaimed once its heartbeat expires"),
		)
		return
	}
	m.setLastJob(updated)
	m.publish(ctx, updated, from, attempt, message)

	if updated.Status == queue.StatusPending {
		m.metrics.ObserveOutcome(metrics.OutcomeRetry)
		logger.Warn("engraving attempt failed; retry scheduled",
			logging.Error(jobErr),
			logging.String("error_kind", kind),
			logging.Duration("retry_in", delay),
			logging.Int("max_attempts", updated.MaxAttempts),
			logging.String(logging.FieldEventType, "job_retry"),
			logging.String(logging.FieldImpact, "job returns to the queue"),
		)
		m.notifyJobRetry(ctx, updated, attempt, retryAt, message)
		return
	}

	m.metrics.ObserveOutcome(metrics.OutcomeFailed)
	m.recordOutcome(true)
	logger.Error("engraving job failed",
		logging.Error(jobErr),
		logging.String("error_kind", kind),
		logging.Bool("permanent", permanent),
		logging.Int("attempts", updated.Attempts),
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String(logging.FieldErrorHint, failureHint(kind)),
	)
	m.notifyJobFailed(ctx, updated, kind, message)
}

func failureHint(kind string) string {
	switch kind {
	case "validation":
		return "fix the artifact and enqueue the job again"
	case "not_found":
		return "check the artifact reference"
	case "configuration":
		return "check artifact access settings in config.toml"
	case "device", "timeout":
		return "check the laser controller, then run engraver queue retry"
	default:
		return "run engraver queue retry once the cause is fixed"
	}
}
