package stage

import (
	"fmt"

	"engraver/internal/queue"
	"engraver/internal/services"
)

// RequireJob rejects a nil job or one without an artifact reference.
func RequireJob(job *queue.Job, name string) error {
	if job == nil {
		return services.Wrap(services.ErrValidation, name, "validate", "job is nil", nil)
	}
	if job.ArtifactRef == "" {
		return services.Wrap(services.ErrValidation, name, "validate", fmt.Sprintf("job %d has no artifact reference", job.ID), nil)
	}
	return nil
}

// ProgressMessage formats streaming progress for display.
func ProgressMessage(sent, total int) string {
	if total <= 0 {
		return "Streaming"
	}
	return fmt.Sprintf("Streaming line %d/%d", sent, total)
}
