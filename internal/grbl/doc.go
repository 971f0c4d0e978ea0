// Package grbl streams G-code to a GRBL laser controller over a serial port.
//
// The Streamer uses the simple send-and-wait protocol: each line is written
// and the next is held back until the controller answers "ok", "error:N" or
// "ALARM:N". Completion is detected by polling the realtime status report
// ('?') until it shows the configured sentinel state, "Idle" by default.
package grbl
