// Package services defines shared utilities consumed by the engraving stage
// handler and its integrations.
//
// It carries the context helpers that stamp job IDs, item references, stage
// names and correlation identifiers for logging, plus the error markers and the
// Wrap helper the worker uses to decide between a retry and a terminal failure.
package services
