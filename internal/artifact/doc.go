// Package artifact downloads the G-code or SVG payload of an engraving job
// into the local artifact directory.
//
// References may be http(s) URLs (guarded by a circuit breaker), s3://bucket/key
// objects, file:// URLs or absolute paths, or paths relative to
// artifacts.base_url. Every payload is written atomically to
// <artifact_dir>/job-<id>.<ext>.
package artifact
