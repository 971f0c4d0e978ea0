package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/queue"
	"engraver/internal/services"
)

const stageName = "engraving"

// processJob claims job and runs one attempt. Job failures are absorbed here;
// it reports false only when the claim itself hit a store error, so the
// caller can back off before polling again.
func (m *Manager) processJob(ctx context.Context, job *queue.Job) bool {
	correlationID := uuid.NewString()
	claimed, err := m.store.Claim(ctx, job.ID, correlationID)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrJobNotFound) {
			m.logger.Debug("job no longer claimable", logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
			return true
		}
		m.setLastError(err)
		m.logger.Error("failed to claim job",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "claim_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return false
	}

	attempt := claimed.CurrentAttempt()
	jobCtx := withJobContext(ctx, claimed, correlationID)
	logger := logging.WithContext(jobCtx, m.logger).With(logging.Int(logging.FieldAttempt, attempt))

	m.setActiveJob(claimed)
	defer m.setActiveJob(nil)
	m.onJobStarted(ctx)
	m.publish(jobCtx, claimed, queue.StatusPending, attempt, "Claimed by worker")

	start := time.Now()
	logger.Info("engraving job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("artifact_ref", claimed.ArtifactRef),
		logging.String("artifact_kind", string(claimed.ArtifactKind)),
		logging.Int("max_attempts", claimed.MaxAttempts),
	)

	completed, err := m.runAttempt(jobCtx, logger, claimed, attempt)
	switch {
	case err != nil:
		m.handleJobFailure(jobCtx, logger, claimed, attempt, err)
	case completed != nil:
		duration := time.Since(start)
		m.metrics.ObserveOutcome(metrics.OutcomeCompleted)
		m.metrics.ObserveDuration(duration)
		m.recordOutcome(false)
		m.setLastJob(completed)
		logger.Info("engraving job completed",
			logging.String(logging.FieldEventType, "job_complete"),
			logging.Int("lines", completed.LinesTotal),
			logging.Duration("job_duration", duration),
		)
		m.notifyJobCompleted(jobCtx, completed, duration)
	}
	m.refreshQueueDepth(ctx)
	return true
}

// runAttempt prepares and executes a claimed job. A nil job with a nil error
// means the burn finished but completion could not be recorded.
func (m *Manager) runAttempt(ctx context.Context, logger *slog.Logger, job *queue.Job, attempt int) (*queue.Job, error) {
	if err := m.withHeartbeat(ctx, job.ID, func(ctx context.Context) error {
		return m.handler.Prepare(ctx, job)
	}); err != nil {
		return nil, err
	}

	engraving, err := m.store.Transition(ctx, job.ID, queue.StatusInProgress, queue.StatusEngraving, "Streaming to controller")
	if err != nil {
		return nil, fmt.Errorf("start engraving: %w", err)
	}
	m.setActiveJob(engraving)
	m.publish(ctx, engraving, queue.StatusInProgress, attempt, "Streaming to controller")

	if err := m.withHeartbeat(ctx, job.ID, func(ctx context.Context) error {
		return m.handler.Execute(ctx, engraving)
	}); err != nil {
		return nil, err
	}

	completed, err := m.store.Complete(ctx, job.ID, "")
	if err != nil {
		// The part is already engraved. Park the job as failed so neither a
		// retry nor a heartbeat reclaim burns it a second time.
		m.setLastError(err)
		logger.Error("failed to record completed job",
			logging.Error(err),
			logging.String(logging.FieldEventType, "complete_persist_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access; verify the part before retrying"),
		)
		message := "engraving finished but completion was not recorded: " + err.Error()
		parked, failErr := m.store.Fail(ctx, job.ID, queue.Failure{Message: message, Permanent: true})
		if failErr != nil {
			logger.Error("failed to park unrecorded job",
				logging.Error(failErr),
				logging.String(logging.FieldEventType, "complete_park_failed"))
			return nil, nil
		}
		m.metrics.ObserveOutcome(metrics.OutcomeFailed)
		m.recordOutcome(true)
		m.setLastJob(parked)
		m.publish(ctx, parked, queue.StatusEngraving, attempt, message)
		m.notifyJobFailed(ctx, parked, "persistence", message)
		return nil, nil
	}
	m.publish(ctx, completed, queue.StatusEngraving, attempt, "Engraving complete")
	return completed, nil
}

func (m *Manager) withHeartbeat(ctx context.Context, jobID int64, fn func(context.Context) error) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, jobID)

	err := fn(ctx)
	hbCancel()
	hbWG.Wait()
	return err
}

func withJobContext(ctx context.Context, job *queue.Job, correlationID string) context.Context {
	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithItemRef(ctx, job.ItemRef)
	ctx = services.WithStage(ctx, stageName)
	return services.WithCorrelationID(ctx, correlationID)
}
