package testsupport

import (
	"path/filepath"
	"testing"

	"engraver/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// External integrations (Redis, Kafka, the udev monitor) are disabled.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Serial.Port = filepath.Join(base, "ttyFAKE0")
	cfgVal.Serial.WakeupDelayMillis = 0
	cfgVal.Serial.StatusPollMillis = 5
	cfgVal.Intake.WatchDir = filepath.Join(base, "inbox")
	cfgVal.Intake.RedisEnabled = false
	cfgVal.Intake.WatchEnabled = false
	cfgVal.Events.KafkaEnabled = false
	cfgVal.Device.MonitorEnabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithMaxAttempts overrides the default attempt budget.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engraving.MaxAttempts = n
	}
}

// WithSerialPort overrides the serial device path.
func WithSerialPort(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Serial.Port = path
	}
}

// WithBaseURL sets the base URL that relative artifact references resolve against.
func WithBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Artifacts.BaseURL = url
	}
}

// WithWatchDir enables the watch-folder intake on a directory under the test root.
func WithWatchDir() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Intake.WatchEnabled = true
		b.cfg.Intake.WatchDir = filepath.Join(b.baseDir, "inbox")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
