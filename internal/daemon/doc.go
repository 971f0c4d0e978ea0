// Package daemon coordinates the long-running engraver process and its
// system integration points.
//
// It wires configuration, queue storage, the workflow manager, the serial
// device monitor and the HTTP API into a single lifecycle with flock-based
// locking to prevent multiple instances. Individual workflow steps live in
// their own packages; the daemon focuses on startup, shutdown and high level
// coordination.
package daemon
