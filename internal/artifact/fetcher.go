package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"engraver/internal/config"
	"engraver/internal/fileutil"
	"engraver/internal/logging"
	"engraver/internal/queue"
	"engraver/internal/services"
)

// Fetcher resolves artifact references and stores their content locally.
type Fetcher struct {
	artifactDir string
	baseURL     *url.URL
	maxBytes    int64
	artifacts   config.Artifacts

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	s3Mu sync.Mutex
	s3   ObjectGetter
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for http(s) references.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithObjectGetter injects the S3 client used for s3:// references.
func WithObjectGetter(getter ObjectGetter) Option {
	return func(f *Fetcher) {
		f.s3 = getter
	}
}

// New builds a Fetcher from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		artifactDir: cfg.Paths.ArtifactDir,
		maxBytes:    cfg.Artifacts.MaxBytes,
		artifacts:   cfg.Artifacts,
		client:      &http.Client{Timeout: time.Duration(cfg.Artifacts.DownloadTimeout) * time.Second},
		logger:      logging.NewComponentLogger(logger, "artifact"),
	}
	if base := strings.TrimSpace(cfg.Artifacts.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, services.Wrap(services.ErrConfiguration, "artifact", "config", fmt.Sprintf("invalid artifacts.base_url %q", base), err)
		}
		if !strings.HasSuffix(parsed.Path, "/") {
			parsed.Path += "/"
		}
		f.baseURL = parsed
	}

	failures := cfg.Artifacts.BreakerFailures
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "artifact-http",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     time.Duration(cfg.Artifacts.BreakerTimeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		// A missing or rejected artifact says nothing about the server's health.
		IsSuccessful: func(err error) bool {
			return err == nil || services.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("artifact circuit breaker changed state",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
				logging.String(logging.FieldEventType, "artifact_breaker_state"),
				logging.String(logging.FieldErrorHint, "check artifact server availability"),
			)
		},
	})

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Destination returns where the artifact of job is stored.
func (f *Fetcher) Destination(job *queue.Job) string {
	ext := string(job.ArtifactKind)
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(f.artifactDir, fmt.Sprintf("job-%d.%s", job.ID, ext))
}

// Fetch downloads the job's artifact and returns the local path.
func (f *Fetcher) Fetch(ctx context.Context, job *queue.Job) (string, error) {
	if job == nil {
		return "", services.Wrap(services.ErrValidation, "artifact", "fetch", "job is nil", nil)
	}
	ref, err := f.Resolve(job.ArtifactRef)
	if err != nil {
		return "", err
	}
	dst := f.Destination(job)

	var res fileutil.Result
	switch ref.Scheme {
	case "http", "https":
		res, err = f.fetchHTTP(ctx, ref.String(), dst)
	case "s3":
		res, err = f.fetchS3(ctx, ref.Host, strings.TrimPrefix(ref.Path, "/"), dst)
	case "file":
		res, err = f.fetchFile(ref.Path, dst)
	default:
		return "", services.Wrap(services.ErrValidation, "artifact", "fetch", fmt.Sprintf("unsupported artifact scheme %q", ref.Scheme), nil)
	}
	if err != nil {
		return "", err
	}
	f.logger.Info("artifact stored",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("ref", job.ArtifactRef),
		logging.String("path", res.Path),
		logging.Int64("bytes", res.Size),
		logging.String("sha256", res.SHA256),
	)
	return res.Path, nil
}

// Resolve turns an artifact reference into an absolute URL. Absolute paths
// become file:// URLs and relative references are joined to the base URL.
func (f *Fetcher) Resolve(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, services.Wrap(services.ErrValidation, "artifact", "resolve", "artifact reference is empty", nil)
	}
	if filepath.IsAbs(raw) {
		return &url.URL{Scheme: "file", Path: filepath.Clean(raw)}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "artifact", "resolve", fmt.Sprintf("invalid artifact reference %q", raw), err)
	}
	if parsed.Scheme != "" {
		if parsed.Scheme == "s3" && (parsed.Host == "" || strings.Trim(parsed.Path, "/") == "") {
			return nil, services.Wrap(services.ErrValidation, "artifact", "resolve", fmt.Sprintf("s3 reference %q needs a bucket and key", raw), nil)
		}
		return parsed, nil
	}
	if f.baseURL == nil {
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "resolve",
			fmt.Sprintf("relative artifact reference %q requires artifacts.base_url", raw), nil)
	}
	return f.baseURL.ResolveReference(parsed), nil
}

func (f *Fetcher) fetchFile(path, dst string) (fileutil.Result, error) {
	res, err := fileutil.CopyFileAtomic(path, dst, f.maxBytes)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, os.ErrNotExist):
		return res, services.Wrap(services.ErrNotFound, "artifact", "copy", fmt.Sprintf("artifact %s does not exist", path), err)
	case errors.Is(err, fileutil.ErrTooLarge):
		return res, services.Wrap(services.ErrValidation, "artifact", "copy", "artifact too large", err)
	default:
		return res, services.Wrap(services.ErrTransient, "artifact", "copy", "copy artifact", err)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, target, dst string) (fileutil.Result, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.download(ctx, target, dst)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fileutil.Result{}, services.Wrap(services.ErrTransient, "artifact", "download", "artifact server circuit open", err)
	}
	if err != nil {
		return fileutil.Result{}, err
	}
	return out.(fileutil.Result), nil
}

func (f *Fetcher) download(ctx context.Context, target, dst string) (fileutil.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fileutil.Result{}, services.Wrap(services.ErrValidation, "artifact", "download", "build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fileutil.Result{}, services.Wrap(services.ErrTransient, "artifact", "download", fmt.Sprintf("GET %s", target), err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, target); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fileutil.Result{}, err
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return fileutil.Result{}, services.Wrap(services.ErrValidation, "artifact", "download",
			fmt.Sprintf("artifact is %d bytes, limit is %d", resp.ContentLength, f.maxBytes), nil)
	}
	res, err := fileutil.WriteAtomic(dst, resp.Body, f.maxBytes)
	if errors.Is(err, fileutil.ErrTooLarge) {
		return res, services.Wrap(services.ErrValidation, "artifact", "download", "artifact too large", err)
	}
	if err != nil {
		return res, services.Wrap(services.ErrTransient, "artifact", "download", "store artifact", err)
	}
	return res, nil
}

func statusError(code int, target string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return services.Wrap(services.ErrNotFound, "artifact", "download", fmt.Sprintf("GET %s: HTTP %d", target, code), nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "artifact", "download", fmt.Sprintf("GET %s: HTTP %d (check credentials)", target, code), nil)
	case code == http.StatusTooManyRequests || code >= 500:
		return services.Wrap(services.ErrTransient, "artifact", "download", fmt.Sprintf("GET %s: HTTP %d", target, code), nil)
	default:
		return services.Wrap(services.ErrValidation, "artifact", "download", fmt.Sprintf("GET %s: HTTP %d", target, code), nil)
	}
}

// CheckBaseURL probes the configured base URL. Any HTTP response counts as
// reachable; only transport failures are reported.
func (f *Fetcher) CheckBaseURL(ctx context.Context) error {
	if f.baseURL == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// BreakerState reports the HTTP circuit breaker state.
func (f *Fetcher) BreakerState() string {
	return f.breaker.State().String()
}
