package stage

import (
	"context"

	"engraver/internal/queue"
)

// Handler describes the contract the workflow manager needs from the
// engraving stage. Prepare runs while the job is in_progress; Execute runs
// once it has moved to engraving.
type Handler interface {
	Prepare(context.Context, *queue.Job) error
	Execute(context.Context, *queue.Job) error
	HealthCheck(context.Context) Health
}

// ProgressSink records streaming progress for an in-flight job.
type ProgressSink interface {
	UpdateProgress(ctx context.Context, id int64, sent, total int, message string) error
}
