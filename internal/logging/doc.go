// Package logging assembles structured slog loggers used across the engraver.
//
// It owns the console and JSON handlers, level and output plumbing, and
// context-aware helpers that tag log lines with job IDs, item references,
// stages and correlation IDs. NewNop serves tests and wiring code that cannot
// fail.
package logging
