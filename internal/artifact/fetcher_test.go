package artifact_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"engraver/internal/artifact"
	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/queue"
	"engraver/internal/services"
	"engraver/internal/testsupport"
)

func newFetcher(t *testing.T, cfg *config.Config, opts ...artifact.Option) *artifact.Fetcher {
	t.Helper()
	f, err := artifact.New(cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("artifact.New failed: %v", err)
	}
	return f
}

func job(id int64, ref string, kind queue.ArtifactKind) *queue.Job {
	return &queue.Job{ID: id, ItemRef: "RAIL-1", ArtifactRef: ref, ArtifactKind: kind}
}

func TestFetchHTTPStoresArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/labels/rail.gcode" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "G21\nG90\n")
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(srv.URL+"/labels"))
	f := newFetcher(t, cfg)

	path, err := f.Fetch(context.Background(), job(7, "rail.gcode", queue.ArtifactGCode))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if path != filepath.Join(cfg.Paths.ArtifactDir, "job-7.gcode") {
		t.Fatalf("unexpected destination %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "G21\nG90\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestFetchHTTPNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	f := newFetcher(t, cfg)

	_, err := f.Fetch(context.Background(), job(1, srv.URL+"/missing.svg", queue.ArtifactSVG))
	if !errors.Is(err, services.ErrNotFound) || !services.IsPermanent(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
	if f.BreakerState() != "closed" {
		t.Fatalf("404s must not trip the breaker, state=%s", f.BreakerState())
	}
}

func TestFetchHTTPBreakerOpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Artifacts.BreakerFailures = 2
	f := newFetcher(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), job(1, srv.URL+"/a.gcode", queue.ArtifactGCode))
		if !errors.Is(err, services.ErrTransient) {
			t.Fatalf("attempt %d: expected transient error, got %v", i, err)
		}
	}
	_, err := f.Fetch(context.Background(), job(1, srv.URL+"/a.gcode", queue.ArtifactGCode))
	if !errors.Is(err, services.ErrTransient) || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected server to be skipped once open, hits=%d", hits.Load())
	}
}

func TestFetchHTTPEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("G0 X1\n", 100))
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Artifacts.MaxBytes = 64
	f := newFetcher(t, cfg)

	_, err := f.Fetch(context.Background(), job(2, srv.URL+"/big.gcode", queue.ArtifactGCode))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFetchLocalFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := testsupport.WriteGCode(t, testsupport.BaseDir(cfg), "local.gcode")
	f := newFetcher(t, cfg)

	for _, ref := range []string{src, "file://" + src} {
		path, err := f.Fetch(context.Background(), job(3, ref, queue.ArtifactGCode))
		if err != nil {
			t.Fatalf("Fetch(%q) failed: %v", ref, err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("stored artifact missing: %v", err)
		}
	}

	_, err := f.Fetch(context.Background(), job(4, filepath.Join(testsupport.BaseDir(cfg), "nope.gcode"), queue.ArtifactGCode))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveRelativeWithoutBaseURL(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	f := newFetcher(t, cfg)

	_, err := f.Resolve("labels/rail.svg")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := f.Resolve("s3://bucket-only"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for bucket-only s3 ref, got %v", err)
	}
}

type fakeObjects struct {
	objects map[string]string
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func TestFetchS3(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	objects := &fakeObjects{objects: map[string]string{"labels/qr/RAIL-9.svg": "<svg/>"}}
	f := newFetcher(t, cfg, artifact.WithObjectGetter(objects))

	path, err := f.Fetch(context.Background(), job(9, "s3://labels/qr/RAIL-9.svg", queue.ArtifactSVG))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if filepath.Base(path) != "job-9.svg" {
		t.Fatalf("unexpected destination %q", path)
	}

	_, err = f.Fetch(context.Background(), job(10, "s3://labels/qr/missing.svg", queue.ArtifactSVG))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL("not a url"))
	if _, err := artifact.New(cfg, logging.NewNop()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
