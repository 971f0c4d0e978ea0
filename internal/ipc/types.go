package ipc

import "engraver/internal/api"

// ServiceName is the net/rpc name the daemon registers.
const ServiceName = "Engraver"

type StartRequest struct{}

type StartResponse struct {
	Started bool
	Message string
}

type StopRequest struct{}

type StopResponse struct {
	Stopped bool
}

type StatusRequest struct{}

type StatusResponse struct {
	Status api.DaemonStatus
}

// EnqueueRequest adds one engraving job.
type EnqueueRequest struct {
	ItemRef      string
	ArtifactRef  string
	ArtifactKind string
	Priority     int
	MaxAttempts  int
}

type EnqueueResponse struct {
	Job api.Job
}

// JobListRequest filters jobs; empty fields match everything.
type JobListRequest struct {
	Statuses []string
	ItemRef  string
	Limit    int
}

type JobListResponse struct {
	Jobs []api.Job
}

type JobDescribeRequest struct {
	ID int64
}

type JobDescribeResponse struct {
	Job api.Job
}

type JobHistoryRequest struct {
	ID int64
}

type JobHistoryResponse struct {
	Entries []api.HistoryEntry
}

type JobPositionRequest struct {
	ID int64
}

type JobPositionResponse struct {
	Position api.Position
}

// JobRetryRequest retries the listed failed jobs, or every failed job when IDs
// is empty.
type JobRetryRequest struct {
	IDs []int64
}

type JobRetryResponse struct {
	Updated int64
	Jobs    []api.RetryJobResult
}

type QueueHealthRequest struct{}

type QueueHealthResponse struct {
	Health api.QueueHealth
}

type DatabaseHealthRequest struct{}

type DatabaseHealthResponse struct {
	Health api.DatabaseHealth
}

type PreflightRequest struct{}

type PreflightResponse struct {
	Checks []api.CheckResult
}

type TestNotificationRequest struct{}

type TestNotificationResponse struct {
	Sent    bool
	Message string
}
