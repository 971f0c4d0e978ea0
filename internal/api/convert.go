package api

import (
	"time"

	"engraver/internal/preflight"
	"engraver/internal/queue"
	"engraver/internal/stage"
	"engraver/internal/workflow"
)

// FromJob converts a queue record to its API representation.
func FromJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:           job.ID,
		ItemRef:      job.ItemRef,
		ArtifactRef:  job.ArtifactRef,
		ArtifactKind: string(job.ArtifactKind),
		Priority:     job.Priority,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Progress: JobProgress{
			LinesSent:  job.LinesSent,
			LinesTotal: job.LinesTotal,
			Percent:    job.ProgressPercent(),
			Message:    job.ProgressMessage,
		},
		ErrorMessage:  job.ErrorMessage,
		CorrelationID: job.CorrelationID,
		NextAttemptAt: formatTimePtr(job.NextAttemptAt),
		StartedAt:     formatTimePtr(job.StartedAt),
		CompletedAt:   formatTimePtr(job.CompletedAt),
		LastHeartbeat: formatTimePtr(job.LastHeartbeat),
		CreatedAt:     FormatTime(job.CreatedAt),
		UpdatedAt:     FormatTime(job.UpdatedAt),
	}
}

// FromJobs converts a slice of queue records into API DTOs.
func FromJobs(jobs []*queue.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromHistory converts history rows into API DTOs.
func FromHistory(entries []*queue.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		out = append(out, HistoryEntry{
			ID:         e.ID,
			JobID:      e.JobID,
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Attempt:    e.Attempt,
			Message:    e.Message,
			CreatedAt:  FormatTime(e.CreatedAt),
		})
	}
	return out
}

// FromStatusSummary converts workflow diagnostics into the API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	wf := WorkflowStatus{
		Running:       summary.Running,
		DevicePresent: summary.DevicePresent,
		QueueStats:    MergeQueueStats(summary.QueueStats),
		LastError:     summary.LastError,
		Handler:       fromHealth(summary.HandlerHealth),
	}
	if summary.ActiveJob != nil {
		active := FromJob(summary.ActiveJob)
		wf.ActiveJob = &active
	}
	if summary.LastJob != nil {
		last := FromJob(summary.LastJob)
		wf.LastJob = &last
	}
	return wf
}

// MergeQueueStats produces a string-keyed representation of queue stats with
// every known status present.
func MergeQueueStats(stats map[queue.Status]int) map[string]int {
	out := make(map[string]int, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

// FromHealthSummary converts aggregated queue counts.
func FromHealthSummary(h queue.HealthSummary) QueueHealth {
	return QueueHealth(h)
}

// FromDatabaseHealth converts database diagnostics.
func FromDatabaseHealth(h queue.DatabaseHealth) DatabaseHealth {
	return DatabaseHealth(h)
}

// FromPreflight converts preflight results.
func FromPreflight(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, 0, len(results))
	for _, r := range results {
		out = append(out, CheckResult(r))
	}
	return out
}

func fromHealth(h stage.Health) StageHealth {
	return StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail}
}

// FormatTime renders t in the API timestamp layout, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}
