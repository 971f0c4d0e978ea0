package workflow

import (
	"context"
	"errors"
	"time"

	"engraver/internal/logging"
)

// Start resets jobs left in flight by a previous process and begins
// background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.handler == nil {
		m.mu.Unlock()
		return errors.New("engraving handler not configured")
	}

	reset, err := m.store.ResetStuckProcessing(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if reset > 0 {
		m.logger.Info("returned interrupted jobs to pending",
			logging.Int64("count", reset),
			logging.String(logging.FieldEventType, "startup_reset"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop stops claiming new jobs and waits for the active one to finish.
// The active attempt is not interrupted; it is bounded by the serial timeouts.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Wake cuts the current idle wait short, typically after an enqueue.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.logPreflight(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := m.heartbeat.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}

		if !m.waitForDevice(ctx) {
			return
		}

		m.refreshQueueDepth(ctx)

		job, err := m.store.NextReady(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleNextJobError(ctx, err)
			continue
		}
		if job == nil {
			m.checkQueueCompletion(ctx)
			m.waitForJobOrShutdown(ctx)
			continue
		}

		// The attempt outlives Stop so a part is never left half engraved.
		if !m.processJob(context.WithoutCancel(ctx), job) {
			m.waitErrorRetry(ctx)
		}
	}
}

// waitForDevice blocks while the serial device is absent. It returns false
// when ctx ends first.
func (m *Manager) waitForDevice(ctx context.Context) bool {
	if m.gate == nil || m.gate.Present() {
		return true
	}
	m.logger.Warn("serial device not present; waiting before claiming jobs",
		logging.String("port", m.cfg.Serial.Port),
		logging.String(logging.FieldEventType, "device_wait"),
		logging.String(logging.FieldImpact, "queued jobs stay pending until the controller is connected"),
	)
	if err := m.gate.WaitPresent(ctx); err != nil {
		return false
	}
	m.logger.Info("serial device present; resuming", logging.String("port", m.cfg.Serial.Port))
	return true
}

func (m *Manager) handleNextJobError(ctx context.Context, err error) {
	m.setLastError(err)
	m.logger.Error("failed to fetch next engraving job",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	m.waitErrorRetry(ctx)
}

// waitErrorRetry backs off after a store error outside a job.
func (m *Manager) waitErrorRetry(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-time.After(m.errorRetryInterval):
	}
}

// waitForJobOrShutdown idles until the poll interval elapses, the earliest
// scheduled retry becomes due, Wake is called or ctx ends.
func (m *Manager) waitForJobOrShutdown(ctx context.Context) {
	wait := m.pollInterval
	if next, err := m.store.NextRetryAt(ctx); err == nil && next != nil {
		if until := time.Until(*next); until < wait {
			wait = until
		}
	}
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-timer.C:
	}
}
