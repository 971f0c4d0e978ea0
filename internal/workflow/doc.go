// Package workflow runs the engraving worker.
//
// A single Manager goroutine reclaims jobs whose heartbeat expired, waits for
// the serial device to be present, claims the next ready job and drives it
// through the stage handler: Prepare while in_progress, Execute while
// engraving. A heartbeat goroutine keeps the claim alive for the duration of
// the attempt. Failures are classified at the job boundary; transient ones go
// back to pending with an exponential backoff, permanent ones or exhausted
// budgets end in failed.
//
// The manager also emits queue-level notifications when work starts and when
// the queue drains, publishes lifecycle events and keeps the queue depth
// gauge current. Stop never interrupts an in-flight attempt; it stops claiming
// and waits for the active job to finish.
package workflow
