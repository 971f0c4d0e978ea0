// Command engraver is the operator CLI and daemon entry point for the laser
// engraving queue.
//
// `engraver daemon` runs the long-lived process that owns the queue database,
// the serial connection to the controller, and the HTTP API. Every other
// command talks to that process over its Unix socket, with a few read-only
// fallbacks (status, config) that work when the daemon is down.
package main
