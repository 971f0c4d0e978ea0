package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"engraver/internal/api"
	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/notifications"
	"engraver/internal/preflight"
	"engraver/internal/queue"
	"engraver/internal/workflow"
)

// Daemon coordinates the background engraving services and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	workflow *workflow.Manager
	queueSvc *api.QueueService
	metrics  *metrics.Metrics
	device   *DeviceMonitor
	notifier notifications.Service
	breaker  func() string

	lockPath string
	lock     *flock.Flock
	apiSrv   *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	QueueDBPath  string
	LockFilePath string
	APIBind      string
	SerialPort   string
	Breaker      string
}

// Option configures optional daemon collaborators.
type Option func(*Daemon)

// WithQueueService replaces the default queue facade, typically to attach
// metrics and an event publisher.
func WithQueueService(svc *api.QueueService) Option {
	return func(d *Daemon) {
		if svc != nil {
			d.queueSvc = svc
		}
	}
}

// WithMetrics exposes the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// WithDeviceMonitor ties the device monitor lifecycle to the daemon.
func WithDeviceMonitor(m *DeviceMonitor) Option {
	return func(d *Daemon) {
		d.device = m
	}
}

// WithNotifier sets the service used by TestNotification.
func WithNotifier(n notifications.Service) Option {
	return func(d *Daemon) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithBreakerState reports the artifact download breaker in Status.
func WithBreakerState(fn func() string) Option {
	return func(d *Daemon) {
		d.breaker = fn
	}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, wf *workflow.Manager, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		workflow: wf,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queueSvc == nil {
		d.queueSvc = api.NewQueueService(store, api.WithWaker(wf.Wake))
	}
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	apiSrv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.apiSrv = apiSrv
	return d, nil
}

// Start acquires the daemon lock and launches the workflow manager, device
// monitor and HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another engraver daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.device.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start device monitor: %w", err)
	}
	if err := d.workflow.Start(d.ctx); err != nil {
		d.device.Stop()
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.apiSrv.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.device.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("engraver daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.String("serial_port", d.cfg.Serial.Port),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop waits for the active job, stops background processing and releases
// the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.apiSrv.stop()
	d.workflow.Stop()
	d.device.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("engraver daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Queue exposes the queue facade shared by IPC, HTTP and intake.
func (d *Daemon) Queue() *api.QueueService {
	return d.queueSvc
}

// Preflight runs the environment checks against the active configuration.
func (d *Daemon) Preflight(ctx context.Context) []preflight.Result {
	return preflight.RunAll(ctx, d.cfg)
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) error {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return errors.New("ntfy topic not configured")
	}
	return d.notifier.Publish(ctx, notifications.EventTest, nil)
}

// APIAddr returns the bound HTTP address once started, or the configured bind.
func (d *Daemon) APIAddr() string {
	if d.apiSrv == nil {
		return ""
	}
	return d.apiSrv.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		QueueDBPath:  d.cfg.QueueDBPath(),
		LockFilePath: d.lockPath,
		APIBind:      d.APIAddr(),
		SerialPort:   d.cfg.Serial.Port,
	}
	if d.breaker != nil {
		status.Breaker = d.breaker()
	}
	return status
}

// ToAPI converts a daemon status into its transport representation.
func (s Status) ToAPI() api.DaemonStatus {
	return api.DaemonStatus{
		Running:      s.Running,
		PID:          s.PID,
		QueueDBPath:  s.QueueDBPath,
		LockFilePath: s.LockFilePath,
		APIBind:      s.APIBind,
		SerialPort:   s.SerialPort,
		Breaker:      s.Breaker,
		Workflow:     api.FromStatusSummary(s.Workflow),
	}
}
