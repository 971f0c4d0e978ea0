// Package api defines wire-format types and converters for the IPC and HTTP
// API layer. It translates internal queue models into transport-friendly DTOs
// so the CLI and external dashboards render jobs without coupling to internal
// types.
//
// # Key Types
//
// Job: transport representation of an engraving job with streaming progress.
//
// HistoryEntry: one append-only status transition.
//
// WorkflowStatus: worker running state, device presence, queue stats, handler
// health, the active job and the last finished job.
//
// DaemonStatus: aggregated runtime information for the status command.
//
// # Services
//
// QueueService wraps the queue store for both transports. Enqueue records the
// intake source in metrics, publishes the lifecycle event and wakes the
// worker, so IPC, HTTP, Redis and the watch folder behave identically.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses are exposed as lowercase strings and
// timestamps as RFC3339 with milliseconds.
package api
