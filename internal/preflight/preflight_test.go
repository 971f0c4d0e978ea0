package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"engraver/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckSerialDevice(t *testing.T) {
	missing := CheckSerialDevice(filepath.Join(t.TempDir(), "ttyUSB9"))
	if missing.Passed || !strings.Contains(missing.Detail, "not connected") {
		t.Fatalf("expected not connected failure, got %+v", missing)
	}

	if result := CheckSerialDevice(" "); result.Passed {
		t.Fatal("expected failure for empty port")
	}

	port := filepath.Join(t.TempDir(), "ttyFAKE0")
	if err := os.WriteFile(port, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	result := CheckSerialDevice(port)
	if !result.Passed {
		t.Fatalf("expected pass for accessible port, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "not a character device") {
		t.Fatalf("expected regular file to be flagged, got %q", result.Detail)
	}
}

func TestCheckArtifactServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if result := CheckArtifactServer(context.Background(), srv.URL); !result.Passed {
		t.Fatalf("expected pass for reachable server, got: %s", result.Detail)
	}
}

func TestCheckArtifactServer_Denied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	result := CheckArtifactServer(context.Background(), srv.URL)
	if result.Passed {
		t.Fatal("expected failure for 403")
	}
	if !strings.Contains(result.Detail, "access denied") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestRunAllSkipsDisabledFeatures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	testsupport.WriteFile(t, cfg.Serial.Port, "")

	results := RunAll(context.Background(), cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d: %+v", len(results), results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("expected all checks to pass, got %+v", failed)
	}
}

func TestRunAllIncludesEnabledFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(srv.URL))
	cfg.Intake.WatchEnabled = true
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), cfg)
	names := make(map[string]Result, len(results))
	for _, r := range results {
		names[r.Name] = r
	}
	if _, ok := names["Artifact server"]; !ok {
		t.Fatalf("expected artifact server check, got %+v", results)
	}
	if r, ok := names["Watch directory"]; !ok || !r.Passed {
		t.Fatalf("expected passing watch directory check, got %+v", results)
	}
	if r := names["Serial device"]; r.Passed {
		t.Fatalf("expected serial device failure without a port file, got %+v", r)
	}
}
