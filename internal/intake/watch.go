package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"engraver/internal/api"
	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/queue"
)

const defaultSettle = 500 * time.Millisecond

// Watcher queues artifact files dropped into a directory. A file is queued
// once it has not been written to for the settle period, so partially copied
// files are not picked up. Files present before Run starts are ignored.
type Watcher struct {
	dir      string
	enqueuer Enqueuer
	logger   *slog.Logger
	settle   time.Duration

	pending map[string]time.Time
	queued  map[string]time.Time
}

// WatchOption customises a Watcher.
type WatchOption func(*Watcher)

// WithSettle overrides how long a file must be quiet before it is queued.
func WithSettle(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// NewWatcher builds a watch-folder intake for cfg.WatchDir.
func NewWatcher(cfg config.Intake, enqueuer Enqueuer, logger *slog.Logger, opts ...WatchOption) (*Watcher, error) {
	if enqueuer == nil {
		return nil, errors.New("watch intake requires an enqueuer")
	}
	dir := strings.TrimSpace(cfg.WatchDir)
	if dir == "" {
		return nil, errors.New("intake.watch_dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	w := &Watcher{
		dir:      abs,
		enqueuer: enqueuer,
		logger:   logging.NewComponentLogger(logger, "watch-intake"),
		settle:   defaultSettle,
		pending:  make(map[string]time.Time),
		queued:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches the directory until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watch intake started",
		logging.String("dir", w.dir),
		logging.String(logging.FieldEventType, "intake_watch_started"))

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "intake_watch_error"),
				logging.String(logging.FieldImpact, "some dropped files may need to be queued manually"))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	if !eligible(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.pending[event.Name] = time.Now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		delete(w.queued, event.Name)
	}
}

// flush queues files that have been quiet for the settle period.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	for path, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, path)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		if prev, ok := w.queued[path]; ok && prev.Equal(info.ModTime()) {
			continue
		}
		if !w.enqueue(ctx, path) {
			// Retry after another settle period.
			w.pending[path] = now
			continue
		}
		w.queued[path] = info.ModTime()
	}
}

func (w *Watcher) enqueue(ctx context.Context, path string) bool {
	base := filepath.Base(path)
	req := queue.EnqueueRequest{
		ItemRef:     strings.TrimSuffix(base, filepath.Ext(base)),
		ArtifactRef: path,
	}
	job, err := w.enqueuer.Enqueue(ctx, api.SourceWatch, req)
	if err != nil {
		w.logger.Warn("failed to queue dropped file",
			logging.Error(err),
			logging.String("path", path),
			logging.String(logging.FieldEventType, "intake_watch_enqueue_failed"),
			logging.String(logging.FieldErrorHint, "queue the file with engraver enqueue"))
		return false
	}
	w.logger.Info("job queued from watch folder",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldItemRef, job.ItemRef),
		logging.String("path", path),
		logging.String(logging.FieldEventType, "job_enqueued"))
	return true
}

func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := queue.InferArtifactKind(base)
	return ok
}
