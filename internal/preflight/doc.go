// Package preflight provides readiness checks for the filesystem paths,
// serial device and external services the engraver depends on.
//
// These checks run in two contexts:
//   - The workflow manager calls RunAll when it starts and logs every failure
//     so an operator sees a missing device or unwritable directory up front.
//   - The CLI "engraver check" command renders the same results as a table.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
