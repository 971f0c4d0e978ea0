// Package engraving implements the stage handler that turns a queued job
// into laser motion: Prepare downloads and converts the artifact, Execute
// streams it to the GRBL controller and waits for the machine to go idle.
package engraving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"engraver/internal/config"
	"engraver/internal/gcode"
	"engraver/internal/grbl"
	"engraver/internal/logging"
	"engraver/internal/metrics"
	"engraver/internal/queue"
	"engraver/internal/services"
	"engraver/internal/stage"
)

const (
	stageName             = "engraving"
	progressEveryLines    = 25
	progressEveryInterval = time.Second
)

// Fetcher downloads a job's artifact and returns the local path.
type Fetcher interface {
	Fetch(ctx context.Context, job *queue.Job) (string, error)
}

// Handler runs engraving attempts against a single serial device.
type Handler struct {
	cfg      *config.Config
	fetcher  Fetcher
	progress stage.ProgressSink
	opener   grbl.Opener
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// portMu is held for the whole of Execute; one job owns the port at a time.
	portMu sync.Mutex

	mu       sync.Mutex
	programs map[int64]*gcode.Program
}

// Option customises a Handler.
type Option func(*Handler)

// WithOpener replaces the serial opener, mainly for tests.
func WithOpener(opener grbl.Opener) Option {
	return func(h *Handler) {
		if opener != nil {
			h.opener = opener
		}
	}
}

// WithMetrics records serial errors on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler wires the engraving stage.
func NewHandler(cfg *config.Config, fetcher Fetcher, progress stage.ProgressSink, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		fetcher:  fetcher,
		progress: progress,
		opener:   grbl.OpenSerial,
		logger:   logging.NewComponentLogger(logger, stageName),
		programs: make(map[int64]*gcode.Program),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Prepare fetches the artifact and converts it to a program.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if err := stage.RequireJob(job, stageName); err != nil {
		return err
	}
	logger := logging.WithContext(ctx, h.logger)

	path, err := h.fetcher.Fetch(ctx, job)
	if err != nil {
		return err
	}
	prog, err := gcode.Load(path, job.ArtifactKind, gcode.OptionsFromConfig(h.cfg.Engraving))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.programs[job.ID] = prog
	h.mu.Unlock()

	message := fmt.Sprintf("Program ready: %d lines", prog.Len())
	if prog.Estimate > 0 {
		message = fmt.Sprintf("%s, about %s", message, prog.Estimate.Round(time.Second))
	}
	h.reportProgress(ctx, job.ID, 0, prog.Len(), message)
	logger.Info("artifact prepared",
		logging.String("source", prog.Source),
		logging.Int("lines", prog.Len()),
		logging.Duration("estimate", prog.Estimate),
	)
	return nil
}

func (h *Handler) takeProgram(ctx context.Context, job *queue.Job) (*gcode.Program, error) {
	h.mu.Lock()
	prog, ok := h.programs[job.ID]
	delete(h.programs, job.ID)
	h.mu.Unlock()
	if ok {
		return prog, nil
	}
	if err := h.Prepare(ctx, job); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prog = h.programs[job.ID]
	delete(h.programs, job.ID)
	return prog, nil
}

// Execute streams the prepared program and blocks until the controller
// reports the completion sentinel or the job timeout expires.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	if err := stage.RequireJob(job, stageName); err != nil {
		return err
	}
	prog, err := h.takeProgram(ctx, job)
	if err != nil {
		return err
	}
	logger := logging.WithContext(ctx, h.logger)

	h.portMu.Lock()
	defer h.portMu.Unlock()

	port, err := h.opener(h.cfg.Serial.Port, h.cfg.Serial.BaudRate)
	if err != nil {
		h.metrics.ObserveSerialError("io")
		if !errors.Is(err, services.ErrDevice) {
			err = services.Wrap(services.ErrDevice, stageName, "open port", h.cfg.Serial.Port, err)
		}
		return err
	}
	streamer := grbl.NewStreamer(port, grbl.OptionsFromConfig(h.cfg.Serial, h.logger))
	defer func() {
		if closeErr := streamer.Close(); closeErr != nil {
			logger.Debug("serial close failed", logging.Error(closeErr))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, h.cfg.JobTimeout())
	defer cancel()

	started := time.Now()
	if err := h.run(jobCtx, job, prog, streamer); err != nil {
		if abortErr := streamer.Abort(); abortErr != nil {
			logger.Warn("soft reset after failure did not reach controller",
				logging.Error(abortErr),
				logging.String(logging.FieldEventType, "grbl_abort_failed"),
				logging.String(logging.FieldErrorHint, "power-cycle the controller before the next job"),
				logging.String(logging.FieldImpact, "laser state unknown"),
			)
		}
		h.metrics.ObserveSerialError(serialErrorKind(err))
		return classify(err)
	}

	h.reportProgress(ctx, job.ID, prog.Len(), prog.Len(), "Engraving finished")
	logger.Info("engraving streamed",
		logging.Int("lines", prog.Len()),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (h *Handler) run(ctx context.Context, job *queue.Job, prog *gcode.Program, streamer *grbl.Streamer) error {
	if err := streamer.Wake(ctx); err != nil {
		return fmt.Errorf("wake controller: %w", err)
	}
	lastReport := time.Now()
	err := streamer.Stream(ctx, prog.Lines, func(sent, total int) {
		if sent == total || sent%progressEveryLines == 0 || time.Since(lastReport) >= progressEveryInterval {
			lastReport = time.Now()
			h.reportProgress(ctx, job.ID, sent, total, stage.ProgressMessage(sent, total))
		}
	})
	if err != nil {
		return fmt.Errorf("stream program: %w", err)
	}
	if err := streamer.WaitForSentinel(ctx); err != nil {
		return fmt.Errorf("wait for %s: %w", h.cfg.Serial.CompletionSentinel, err)
	}
	return nil
}

func (h *Handler) reportProgress(ctx context.Context, id int64, sent, total int, message string) {
	if h.progress == nil {
		return
	}
	if err := h.progress.UpdateProgress(ctx, id, sent, total, message); err != nil {
		h.logger.Debug("progress update failed", logging.Int64(logging.FieldJobID, id), logging.Error(err))
	}
}

// HealthCheck reports whether the configured serial device is present.
func (h *Handler) HealthCheck(context.Context) stage.Health {
	port := h.cfg.Serial.Port
	if port == "" {
		return stage.Unhealthy(stageName, "serial.port not configured")
	}
	if _, err := os.Stat(port); err != nil {
		return stage.Unhealthy(stageName, fmt.Sprintf("serial port %s not present", port))
	}
	return stage.Healthy(stageName)
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, stageName, "execute", "job timeout exceeded", err)
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrTimeout), errors.Is(err, services.ErrDevice):
		return err
	default:
		return services.Wrap(services.ErrDevice, stageName, "execute", "serial stream failed", err)
	}
}

func serialErrorKind(err error) string {
	var cmdErr *grbl.CommandError
	var alarm *grbl.AlarmError
	switch {
	case errors.Is(err, grbl.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &alarm):
		return "alarm"
	case errors.As(err, &cmdErr):
		return "command"
	default:
		return "io"
	}
}
