package workflow

import (
	"context"

	"engraver/internal/logging"
	"engraver/internal/preflight"
)

// logPreflight runs the readiness checks once per start. Failures are
// reported but do not stop the worker; the device gate and per-job error
// handling cover the same conditions at claim time.
func (m *Manager) logPreflight(ctx context.Context) {
	for _, r := range preflight.RunAll(ctx, m.cfg) {
		if r.Passed {
			m.logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		m.logger.Warn("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "fix the reported issue; jobs needing it will fail until then"),
		)
	}
}
