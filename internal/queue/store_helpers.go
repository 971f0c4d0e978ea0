package queue

import (
	"database/sql"
	"errors"
	"time"
)

// timestampLayout is fixed-width so stored timestamps sort lexicographically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var jobColumns = []string{
	"id", "item_ref", "artifact_ref", "artifact_kind", "priority", "status",
	"attempts", "max_attempts", "error_message", "next_attempt_at", "started_at",
	"completed_at", "last_heartbeat", "lines_sent", "lines_total", "progress_message",
	"correlation_id", "created_at", "updated_at",
}

var historyColumns = []string{"id", "job_id", "from_status", "to_status", "attempt", "message", "created_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job              Job
		kind             string
		status           string
		errorMessage     sql.NullString
		nextAttemptRaw   sql.NullString
		startedRaw       sql.NullString
		completedRaw     sql.NullString
		lastHeartbeatRaw sql.NullString
		progressMessage  sql.NullString
		correlationID    sql.NullString
		createdRaw       string
		updatedRaw       string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.ItemRef,
		&job.ArtifactRef,
		&kind,
		&job.Priority,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&errorMessage,
		&nextAttemptRaw,
		&startedRaw,
		&completedRaw,
		&lastHeartbeatRaw,
		&job.LinesSent,
		&job.LinesTotal,
		&progressMessage,
		&correlationID,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job.ArtifactKind = ArtifactKind(kind)
	job.Status = Status(status)
	job.ErrorMessage = errorMessage.String
	job.ProgressMessage = progressMessage.String
	job.CorrelationID = correlationID.String
	job.NextAttemptAt = parseNullableTime(nextAttemptRaw)
	job.StartedAt = parseNullableTime(startedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	job.LastHeartbeat = parseNullableTime(lastHeartbeatRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return &job, nil
}

func scanHistory(scanner rowScanner) (*HistoryEntry, error) {
	var (
		entry      HistoryEntry
		fromStatus sql.NullString
		toStatus   string
		message    sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&entry.ID, &entry.JobID, &fromStatus, &toStatus, &entry.Attempt, &message, &createdRaw); err != nil {
		return nil, err
	}
	entry.FromStatus = Status(fromStatus.String)
	entry.ToStatus = Status(toStatus)
	entry.Message = message.String
	if created, err := parseTimeString(createdRaw); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timestampLayout)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	parsed, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
