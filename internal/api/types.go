package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes an engraving job in a transport-friendly format.
type Job struct {
	ID            int64       `json:"id"`
	ItemRef       string      `json:"itemRef"`
	ArtifactRef   string      `json:"artifactRef"`
	ArtifactKind  string      `json:"artifactKind"`
	Priority      int         `json:"priority"`
	Status        string      `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"maxAttempts"`
	Progress      JobProgress `json:"progress"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	NextAttemptAt string      `json:"nextAttemptAt,omitempty"`
	StartedAt     string      `json:"startedAt,omitempty"`
	CompletedAt   string      `json:"completedAt,omitempty"`
	LastHeartbeat string      `json:"lastHeartbeat,omitempty"`
	CreatedAt     string      `json:"createdAt,omitempty"`
	UpdatedAt     string      `json:"updatedAt,omitempty"`
}

// JobProgress captures streaming progress for a job.
type JobProgress struct {
	LinesSent  int     `json:"linesSent"`
	LinesTotal int     `json:"linesTotal"`
	Percent    float64 `json:"percent"`
	Message    string  `json:"message"`
}

// HistoryEntry is one status transition of a job.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	JobID      int64  `json:"jobId"`
	FromStatus string `json:"fromStatus,omitempty"`
	ToStatus   string `json:"toStatus"`
	Attempt    int    `json:"attempt"`
	Message    string `json:"message,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running       bool           `json:"running"`
	DevicePresent bool           `json:"devicePresent"`
	QueueStats    map[string]int `json:"queueStats"`
	LastError     string         `json:"lastError,omitempty"`
	ActiveJob     *Job           `json:"activeJob,omitempty"`
	LastJob       *Job           `json:"lastJob,omitempty"`
	Handler       StageHealth    `json:"handler"`
}

// StageHealth mirrors readiness reporting for the engraving stage.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	QueueDBPath  string         `json:"queueDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	APIBind      string         `json:"apiBind,omitempty"`
	SerialPort   string         `json:"serialPort"`
	Breaker      string         `json:"artifactBreaker,omitempty"`
	Workflow     WorkflowStatus `json:"workflow"`
}

// QueueHealth reports aggregated job counts.
type QueueHealth struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
}

// DatabaseHealth reports queue database diagnostics.
type DatabaseHealth struct {
	DBPath           string   `json:"dbPath"`
	DatabaseExists   bool     `json:"databaseExists"`
	DatabaseReadable bool     `json:"databaseReadable"`
	SchemaVersion    int      `json:"schemaVersion"`
	TablesPresent    []string `json:"tablesPresent"`
	MissingTables    []string `json:"missingTables,omitempty"`
	IntegrityCheck   bool     `json:"integrityCheck"`
	TotalJobs        int      `json:"totalJobs"`
	TotalHistory     int      `json:"totalHistory"`
	Error            string   `json:"error,omitempty"`
}

// Position reports where a job sits in the queue: 1-based among waiting
// jobs, 0 while in flight, -1 once terminal.
type Position struct {
	JobID    int64  `json:"jobId"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// CheckResult is one preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job Job `json:"job"`
}

// HistoryResponse wraps the history of one job.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
}
