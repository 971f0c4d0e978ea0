// Package intake feeds engraving jobs into the queue from outside the CLI and
// HTTP API: a Redis list that upstream systems push JSON requests onto, and a
// watch folder where dropping a G-code or SVG file queues it.
package intake
