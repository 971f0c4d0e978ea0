package workflow

import (
	"context"

	"engraver/internal/logging"
	"engraver/internal/queue"
	"engraver/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running       bool
	DevicePresent bool
	LastError     string
	LastJob       *queue.Job
	ActiveJob     *queue.Job
	QueueStats    map[queue.Status]int
	HandlerHealth stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		LastJob:   copyJob(m.lastJob),
		ActiveJob: copyJob(m.activeJob),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	summary.DevicePresent = m.gate == nil || m.gate.Present()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats

	if m.handler != nil {
		summary.HandlerHealth = m.handler.HealthCheck(ctx)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastJob(job *queue.Job) {
	m.mu.Lock()
	m.lastJob = copyJob(job)
	m.mu.Unlock()
}

func (m *Manager) setActiveJob(job *queue.Job) {
	m.mu.Lock()
	m.activeJob = copyJob(job)
	m.mu.Unlock()
}

func copyJob(job *queue.Job) *queue.Job {
	if job == nil {
		return nil
	}
	cp := *job
	return &cp
}
