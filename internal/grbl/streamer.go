package grbl

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"engraver/internal/config"
	"engraver/internal/logging"
)

const (
	softReset    = 0x18
	statusQuery  = '?'
	lineBuffer   = 256
	wakeSequence = "\r\n\r\n"
)

// Options tune the streaming protocol.
type Options struct {
	CommandTimeout time.Duration
	WakeupDelay    time.Duration
	StatusPoll     time.Duration
	Sentinel       string
	Logger         *slog.Logger
}

// OptionsFromConfig builds streamer options from the serial config section.
func OptionsFromConfig(cfg config.Serial, logger *slog.Logger) Options {
	return Options{
		CommandTimeout: time.Duration(cfg.CommandTimeout) * time.Second,
		WakeupDelay:    time.Duration(cfg.WakeupDelayMillis) * time.Millisecond,
		StatusPoll:     time.Duration(cfg.StatusPollMillis) * time.Millisecond,
		Sentinel:       cfg.CompletionSentinel,
		Logger:         logger,
	}
}

// ProgressFunc is called after each acknowledged line.
type ProgressFunc func(sent, total int)

// Streamer owns one open port for the duration of a job.
type Streamer struct {
	port   Port
	opts   Options
	logger *slog.Logger

	lines     chan string
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	errVal    error

	writeMu sync.Mutex
}

// NewStreamer starts the background line reader on port.
func NewStreamer(port Port, opts Options) *Streamer {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.StatusPoll <= 0 {
		opts.StatusPoll = 250 * time.Millisecond
	}
	if strings.TrimSpace(opts.Sentinel) == "" {
		opts.Sentinel = "Idle"
	}
	s := &Streamer{
		port:    port,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "grbl"),
		lines:   make(chan string, lineBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Streamer) readLoop() {
	defer close(s.done)
	defer close(s.lines)
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.closing:
			return
		}
	}
	s.errMu.Lock()
	s.errVal = scanner.Err()
	s.errMu.Unlock()
}

func (s *Streamer) readErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errVal != nil {
		return fmt.Errorf("%w: %w", ErrPortClosed, s.errVal)
	}
	return ErrPortClosed
}

func (s *Streamer) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(data); err != nil {
		return fmt.Errorf("grbl write: %w", err)
	}
	return nil
}

// Wake nudges the controller out of its startup state and discards the
// banner and any other unsolicited output.
func (s *Streamer) Wake(ctx context.Context) error {
	if err := s.write([]byte(wakeSequence)); err != nil {
		return err
	}
	if s.opts.WakeupDelay > 0 {
		timer := time.NewTimer(s.opts.WakeupDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.drain()
	return nil
}

func (s *Streamer) drain() {
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return
			}
			s.logger.Debug("grbl startup output", logging.String("line", line))
		default:
			return
		}
	}
}

// Send writes one command and waits for its acknowledgement.
func (s *Streamer) Send(ctx context.Context, line string) error {
	if err := s.write([]byte(line + "\n")); err != nil {
		return err
	}
	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %q after %s", ErrCommandTimeout, line, s.opts.CommandTimeout)
		case reply, ok := <-s.lines:
			if !ok {
				return s.readErr()
			}
			done, err := classifyReply(reply, line)
			if done {
				return err
			}
			s.logger.Debug("grbl message", logging.String("line", reply))
		}
	}
}

// Stream sends every line in order, reporting progress after each one.
func (s *Streamer) Stream(ctx context.Context, lines []string, progress ProgressFunc) error {
	total := len(lines)
	for i, line := range lines {
		if err := s.Send(ctx, line); err != nil {
			return fmt.Errorf("line %d/%d: %w", i+1, total, err)
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

// WaitForSentinel polls the realtime status report until the machine state
// matches the sentinel. Buffered motion keeps running after the last "ok",
// so this is what marks the physical end of a job.
func (s *Streamer) WaitForSentinel(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.StatusPoll)
	defer ticker.Stop()
	if err := s.write([]byte{statusQuery}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.write([]byte{statusQuery}); err != nil {
				return err
			}
		case reply, ok := <-s.lines:
			if !ok {
				return s.readErr()
			}
			if code, isAlarm := parseCode(reply, "ALARM:"); isAlarm {
				return &AlarmError{Code: code}
			}
			if state, ok := statusState(reply); ok && strings.EqualFold(state, s.opts.Sentinel) {
				return nil
			}
		}
	}
}

// Abort sends a soft reset, which stops motion and turns the laser off.
func (s *Streamer) Abort() error {
	return s.write([]byte{softReset})
}

// Close closes the port and waits for the reader to exit.
func (s *Streamer) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	err := s.port.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warn("grbl reader did not exit after close",
			logging.String(logging.FieldEventType, "grbl_reader_stuck"),
			logging.String(logging.FieldErrorHint, "check the serial device driver"),
		)
	}
	return err
}

func classifyReply(reply, line string) (bool, error) {
	switch {
	case reply == "ok":
		return true, nil
	case strings.HasPrefix(reply, "error:"):
		code, _ := parseCode(reply, "error:")
		return true, &CommandError{Code: code, Line: line}
	case strings.HasPrefix(reply, "ALARM:"):
		code, _ := parseCode(reply, "ALARM:")
		return true, &AlarmError{Code: code}
	default:
		return false, nil
	}
}

func parseCode(reply, prefix string) (int, bool) {
	if !strings.HasPrefix(reply, prefix) {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(reply, prefix)))
	if err != nil {
		return 0, true
	}
	return code, true
}

// statusState extracts the machine state from a report like
// "<Idle|MPos:0.000,0.000,0.000|FS:0,0>". Sub-states ("Hold:0") are trimmed.
func statusState(reply string) (string, bool) {
	if !strings.HasPrefix(reply, "<") || !strings.HasSuffix(reply, ">") {
		return "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(reply, "<"), ">")
	state, _, _ := strings.Cut(body, "|")
	state, _, _ = strings.Cut(state, ":")
	return state, state != ""
}
