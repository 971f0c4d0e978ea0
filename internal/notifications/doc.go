// Package notifications pushes engraving milestones to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// the workflow manager can publish unconditionally. Per-event toggles from the
// [notifications] config section decide which events reach the wire.
package notifications
