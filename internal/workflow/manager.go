package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"engraver/internal/config"
	"engraver/internal/events"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/notifications"
	"engraver/internal/queue"
	"engraver/internal/stage"
)

// DeviceGate reports whether the serial device is attached.
type DeviceGate interface {
	Present() bool
	// WaitPresent blocks until the device is attached or ctx ends.
	WaitPresent(ctx context.Context) error
}

// Manager coordinates queue processing for the single engraving worker.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	handler   stage.Handler
	logger    *slog.Logger
	notifier  notifications.Service
	publisher events.Publisher
	metrics   *metrics.Metrics
	gate      DeviceGate
	retry     RetryPolicy

	heartbeat          *HeartbeatMonitor
	pollInterval       time.Duration
	errorRetryInterval time.Duration

	wake chan struct{}

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastJob   *queue.Job
	activeJob *queue.Job

	queueActive  bool
	queueStart   time.Time
	runCompleted int
	runFailed    int
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithNotifier replaces the ntfy notifier built from config.
func WithNotifier(n notifications.Service) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithPublisher publishes lifecycle events through p.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithMetrics records outcomes and queue depth on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithDeviceGate makes the worker wait while the serial device is absent.
func WithDeviceGate(g DeviceGate) Option {
	return func(m *Manager) {
		m.gate = g
	}
}

// WithRetryPolicy overrides the backoff derived from config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.retry = p
	}
}

// NewManager constructs a workflow manager around the engraving handler.
func NewManager(cfg *config.Config, store *queue.Store, handler stage.Handler, logger *slog.Logger, opts ...Option) *Manager {
	logger = logging.NewComponentLogger(logger, "workflow-manager")
	m := &Manager{
		cfg:                cfg,
		store:              store,
		handler:            handler,
		logger:             logger,
		notifier:           notifications.NewService(cfg),
		publisher:          events.Noop{},
		retry:              RetryPolicyFromConfig(cfg.Engraving),
		pollInterval:       time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		errorRetryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
