package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"engraver/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "engraver")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.QueueDBPath() != filepath.Join(wantData, "engraver.db") {
		t.Fatalf("unexpected queue db path: %q", cfg.QueueDBPath())
	}
	if cfg.Paths.APIBind != "127.0.0.1:7488" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Serial.CommandTimeout != 10 || cfg.Serial.JobTimeout != 3600 {
		t.Fatalf("unexpected serial timeouts: %+v", cfg.Serial)
	}
	if cfg.CommandTimeout().Seconds() != 10 {
		t.Fatalf("unexpected command timeout duration: %s", cfg.CommandTimeout())
	}
	if cfg.Engraving.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.Engraving.MaxAttempts)
	}
	if cfg.Serial.CompletionSentinel != "Idle" {
		t.Fatalf("unexpected sentinel: %q", cfg.Serial.CompletionSentinel)
	}
	if cfg.Intake.RedisEnabled || cfg.Events.KafkaEnabled {
		t.Fatal("expected optional integrations disabled by default")
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	dir := t.TempDir()
	path := filepath.Join(dir, "engraver.toml")
	custom := config.Default()
	custom.Paths.DataDir = "~/engraver-data"
	custom.Serial.Port = "/dev/ttyACM1"
	custom.Engraving.MaxAttempts = 5
	custom.Logging.Format = "JSON"
	custom.Events.KafkaBrokers = []string{" broker:9092 ", ""}

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected custom config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "engraver-data") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.Serial.Port != "/dev/ttyACM1" {
		t.Fatalf("unexpected port: %q", cfg.Serial.Port)
	}
	if cfg.Engraving.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Engraving.MaxAttempts)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized json format, got %q", cfg.Logging.Format)
	}
	if len(cfg.Events.KafkaBrokers) != 1 || cfg.Events.KafkaBrokers[0] != "broker:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Events.KafkaBrokers)
	}
}

func TestLoadReadsEnvFileNextToConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ENGRAVER_API_TOKEN", "")
	os.Unsetenv("ENGRAVER_API_TOKEN")

	dir := t.TempDir()
	path := filepath.Join(dir, "engraver.toml")
	if err := os.WriteFile(path, []byte("[serial]\nport = \"/dev/ttyUSB3\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("ENGRAVER_API_TOKEN=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ENGRAVER_API_TOKEN") })

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.APIToken != "from-dotenv" {
		t.Fatalf("expected token from .env, got %q", cfg.Paths.APIToken)
	}
}

func TestSerialPortEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ENGRAVER_SERIAL_PORT", "/dev/ttyS9")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyS9" {
		t.Fatalf("expected env port, got %q", cfg.Serial.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"job timeout", func(c *config.Config) { c.Serial.JobTimeout = 5 }, "serial.job_timeout"},
		{"max attempts", func(c *config.Config) { c.Engraving.MaxAttempts = 0 }, "engraving.max_attempts"},
		{"backoff max", func(c *config.Config) { c.Engraving.RetryBackoffMax = 1 }, "retry_backoff_max"},
		{"jitter", func(c *config.Config) { c.Engraving.RetryJitter = 1.5 }, "retry_jitter"},
		{"heartbeat", func(c *config.Config) { c.Workflow.HeartbeatTimeout = c.Workflow.HeartbeatInterval }, "heartbeat_timeout"},
		{"kafka", func(c *config.Config) { c.Events.KafkaEnabled = true }, "kafka_brokers"},
		{"s3 keys", func(c *config.Config) { c.Artifacts.S3AccessKey = "id" }, "s3_secret_key"},
		{"base url", func(c *config.Config) { c.Artifacts.BaseURL = "relative/path" }, "base_url"},
		{"port", func(c *config.Config) { c.Serial.Port = "" }, "serial.port"},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q in %q", tc.name, tc.want, err.Error())
		}
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Fatalf("unexpected baud rate: %d", cfg.Serial.BaudRate)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Intake.WatchEnabled = true
	cfg.Intake.WatchDir = filepath.Join(base, "inbox")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.ArtifactDir, cfg.Intake.WatchDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
