package api

import (
	"context"

	"engraver/internal/queue"
)

// QueueActionService captures the queue operations needed by per-job retries.
type QueueActionService interface {
	Describe(ctx context.Context, id int64) (*Job, error)
	Retry(ctx context.Context, ids []int64) (int64, error)
}

type RetryJobOutcome string

const (
	RetryJobUpdated   RetryJobOutcome = "retried"
	RetryJobNotFound  RetryJobOutcome = "not_found"
	RetryJobNotFailed RetryJobOutcome = "not_failed"
)

type RetryJobResult struct {
	ID          int64           `json:"id"`
	Outcome     RetryJobOutcome `json:"outcome"`
	PriorStatus string          `json:"priorStatus,omitempty"`
}

type RetryJobsResult struct {
	UpdatedCount int64            `json:"updatedCount"`
	Jobs         []RetryJobResult `json:"jobs"`
}

// RetryFailedJobsByID validates IDs and retries only failed jobs, reporting
// an outcome per ID.
func RetryFailedJobsByID(ctx context.Context, service QueueActionService, ids []int64) (RetryJobsResult, error) {
	result := RetryJobsResult{Jobs: make([]RetryJobResult, 0, len(ids))}
	for _, id := range ids {
		job, err := service.Describe(ctx, id)
		if err != nil {
			return RetryJobsResult{}, err
		}
		if job == nil {
			result.Jobs = append(result.Jobs, RetryJobResult{ID: id, Outcome: RetryJobNotFound})
			continue
		}
		status, ok := queue.ParseStatus(job.Status)
		if !ok || status != queue.StatusFailed {
			result.Jobs = append(result.Jobs, RetryJobResult{ID: id, Outcome: RetryJobNotFailed, PriorStatus: job.Status})
			continue
		}
		updated, err := service.Retry(ctx, []int64{id})
		if err != nil {
			return RetryJobsResult{}, err
		}
		if updated > 0 {
			result.UpdatedCount += updated
			result.Jobs = append(result.Jobs, RetryJobResult{ID: id, Outcome: RetryJobUpdated, PriorStatus: job.Status})
			continue
		}
		result.Jobs = append(result.Jobs, RetryJobResult{ID: id, Outcome: RetryJobNotFailed, PriorStatus: job.Status})
	}
	return result, nil
}
