// Package queue persists engraving jobs and their status history in SQLite.
//
// The Store manages database connections, schema initialization, job
// enqueueing, queue position, the guarded status transitions the worker drives
// (pending, in_progress, engraving, completed, failed), heartbeat tracking and
// stuck-job recovery. Every status change appends a row to engraving_history
// inside the same transaction, and neither jobs nor history rows are ever
// deleted.
//
// Schema changes bump schemaVersion in schema.go.
package queue
