package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"engraver/internal/api"
	"engraver/internal/artifact"
	"engraver/internal/config"
	"engraver/internal/daemon"
	"engraver/internal/engraving"
	"engraver/internal/events"
	"engraver/internal/intake"
	"engraver/internal/ipc"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/notifications"
	"engraver/internal/queue"
	"engraver/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	SocketPath  string
}

// Run starts the engraver daemon and blocks until SIGINT/SIGTERM or ctx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}

	registry := metrics.New()
	notifier := notifications.NewService(cfg)
	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer publisher.Close()

	fetcher, err := artifact.New(cfg, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create artifact fetcher: %w", err)
	}
	handler := engraving.NewHandler(cfg, fetcher, store, logger, engraving.WithMetrics(registry))

	managerOpts := []workflow.Option{
		workflow.WithNotifier(notifier),
		workflow.WithPublisher(publisher),
		workflow.WithMetrics(registry),
	}
	var device *daemon.DeviceMonitor
	if cfg.Device.MonitorEnabled {
		device = daemon.NewDeviceMonitor(cfg, logger)
		if device != nil {
			managerOpts = append(managerOpts, workflow.WithDeviceGate(device))
		}
	}
	manager := workflow.NewManager(cfg, store, handler, logger, managerOpts...)

	queueSvc := api.NewQueueService(store,
		api.WithWaker(manager.Wake),
		api.WithMetrics(registry),
		api.WithPublisher(publisher),
	)
	d, err := daemon.New(cfg, store, logger, manager,
		daemon.WithQueueService(queueSvc),
		daemon.WithMetrics(registry),
		daemon.WithDeviceMonitor(device),
		daemon.WithNotifier(notifier),
		daemon.WithBreakerState(fetcher.BreakerState),
	)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := strings.TrimSpace(opts.SocketPath)
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and queue database access"),
			logging.String(logging.FieldImpact, "daemon may not process queued jobs"),
		)
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	if err := startIntake(groupCtx, group, cfg, queueSvc, logger); err != nil {
		logger.Warn("job intake unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "intake_start_failed"),
			logging.String(logging.FieldErrorHint, "check the [intake] configuration"),
			logging.String(logging.FieldImpact, "jobs can still be queued with the CLI and HTTP API"),
		)
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	if err := group.Wait(); err != nil {
		logger.Error("daemon component failed", logging.Error(err))
	}

	logger.Info("engraver daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// startIntake launches the configured intake sources under group. A failing
// source is reported and skipped; it does not stop the daemon.
func startIntake(ctx context.Context, group *errgroup.Group, cfg *config.Config, enq intake.Enqueuer, logger *slog.Logger) error {
	var errs []error
	if cfg.Intake.RedisEnabled {
		consumer, err := intake.NewRedisConsumer(ctx, cfg.Intake, enq, logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			group.Go(func() error {
				return consumer.Run(ctx)
			})
		}
	}
	if cfg.Intake.WatchEnabled {
		watcher, err := intake.NewWatcher(cfg.Intake, enq, logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			group.Go(func() error {
				if err := watcher.Run(ctx); err != nil {
					logger.Warn("watch intake stopped", logging.Error(err))
				}
				return nil
			})
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logPath := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
	return logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
