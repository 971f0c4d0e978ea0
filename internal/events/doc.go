// Package events publishes job lifecycle transitions to Kafka so downstream
// systems (traceability, MES dashboards) can follow each component through the
// engraving station. Publishing is best effort: the queue database remains the
// source of truth.
package events
