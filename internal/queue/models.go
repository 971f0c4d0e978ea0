package queue

import (
	"path"
	"strings"
	"time"
)

// Status represents the lifecycle of an engraving job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusEngraving  Status = "engraving"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusEngraving,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusInProgress: {},
	StatusEngraving:  {},
}

// allowedTransitions lists every status change the store accepts.
// failed -> pending is reserved for operator retries.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusEngraving, StatusPending, StatusFailed},
	StatusEngraving:  {StatusCompleted, StatusPending, StatusFailed},
	StatusFailed:     {StatusPending},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	normalized = Status(strings.ReplaceAll(string(normalized), "-", "_"))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight attempt.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether no further automatic transitions will happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the store accepts a move from one status to another.
func CanTransition(from, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ArtifactKind identifies the payload format of an engraving job.
type ArtifactKind string

const (
	ArtifactGCode ArtifactKind = "gcode"
	ArtifactSVG   ArtifactKind = "svg"
)

// artifactExtensions maps accepted file extensions, without the dot, to the
// payload format they carry.
var artifactExtensions = map[string]ArtifactKind{
	"gcode": ArtifactGCode,
	"nc":    ArtifactGCode,
	"ngc":   ArtifactGCode,
	"gc":    ArtifactGCode,
	"g":     ArtifactGCode,
	"svg":   ArtifactSVG,
}

// ParseArtifactKind converts a string into a known ArtifactKind. Every
// extension InferArtifactKind recognises is accepted as a kind name.
func ParseArtifactKind(value string) (ArtifactKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "g-code" {
		return ArtifactGCode, true
	}
	kind, ok := artifactExtensions[normalized]
	return kind, ok
}

// InferArtifactKind guesses the payload format from a reference's extension.
func InferArtifactKind(ref string) (ArtifactKind, bool) {
	trimmed := strings.TrimSpace(ref)
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(trimmed)), ".")
	if ext == "" {
		return "", false
	}
	kind, ok := artifactExtensions[ext]
	return kind, ok
}

// Job is one queued request to burn an identifier onto a component.
type Job struct {
	ID              int64
	ItemRef         string
	ArtifactRef     string
	ArtifactKind    ArtifactKind
	Priority        int
	Status          Status
	Attempts        int
	MaxAttempts     int
	ErrorMessage    string
	NextAttemptAt   *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastHeartbeat   *time.Time
	LinesSent       int
	LinesTotal      int
	ProgressMessage string
	CorrelationID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsProcessing returns true when the job has an attempt in flight.
func (j Job) IsProcessing() bool {
	return IsProcessingStatus(j.Status)
}

// CurrentAttempt returns the 1-based number of the running or next attempt.
func (j Job) CurrentAttempt() int {
	return j.Attempts + 1
}

// ProgressPercent reports streamed lines as a percentage.
func (j Job) ProgressPercent() float64 {
	if j.LinesTotal <= 0 {
		return 0
	}
	pct := float64(j.LinesSent) / float64(j.LinesTotal) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// HistoryEntry is one append-only status transition record.
type HistoryEntry struct {
	ID         int64
	JobID      int64
	FromStatus Status
	ToStatus   Status
	Attempt    int
	Message    string
	CreatedAt  time.Time
}

// EnqueueRequest describes a job to add to the queue.
type EnqueueRequest struct {
	ItemRef      string       `json:"item_ref"`
	ArtifactRef  string       `json:"artifact_ref"`
	ArtifactKind ArtifactKind `json:"artifact_kind,omitempty"`
	Priority     int          `json:"priority,omitempty"`
	MaxAttempts  int          `json:"max_attempts,omitempty"`
}

// Failure describes the outcome of a failed attempt.
type Failure struct {
	Message string
	// Permanent skips remaining attempts.
	Permanent bool
	// RetryAt is when a retried job becomes eligible again; zero means immediately.
	RetryAt time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	Statuses []Status
	ItemRef  string
	Limit    int
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	TotalJobs        int
	TotalHistory     int
	Error            string
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
}
