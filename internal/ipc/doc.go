// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// Request and response types embed the api DTOs so the CLI, HTTP API and RPC
// surface render jobs identically. Add new endpoints here alongside their
// client wrapper to keep the protocol in one place.
package ipc
