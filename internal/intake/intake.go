package intake

import (
	"context"
	"time"

	"engraver/internal/api"
	"engraver/internal/queue"
)

// Enqueuer accepts new jobs. api.QueueService satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, source string, req queue.EnqueueRequest) (api.Job, error)
}

// sleepCtx waits for d or until ctx ends, reporting whether the wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
