package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Serial describes the GRBL controller connection.
type Serial struct {
	Port               string `toml:"port"`
	BaudRate           int    `toml:"baud_rate"`
	CommandTimeout     int    `toml:"command_timeout"`
	JobTimeout         int    `toml:"job_timeout"`
	WakeupDelayMillis  int    `toml:"wakeup_delay_ms"`
	StatusPollMillis   int    `toml:"status_poll_ms"`
	CompletionSentinel string `toml:"completion_sentinel"`
}

// Engraving contains retry policy and SVG conversion settings.
type Engraving struct {
	MaxAttempts     int     `toml:"max_attempts"`
	RetryBackoff    int     `toml:"retry_backoff"`
	RetryBackoffMax int     `toml:"retry_backoff_max"`
	RetryJitter     float64 `toml:"retry_jitter"`
	LaserPower      int     `toml:"laser_power"`
	FeedRate        int     `toml:"feed_rate"`
	TravelRate      int     `toml:"travel_rate"`
	UnitsPerMM      float64 `toml:"units_per_mm"`
	OriginX         float64 `toml:"origin_x"`
	OriginY         float64 `toml:"origin_y"`
	FillSpacing     float64 `toml:"fill_spacing"`
}

// Artifacts controls how G-code and SVG payloads are downloaded.
type Artifacts struct {
	DownloadTimeout int    `toml:"download_timeout"`
	BaseURL         string `toml:"base_url"`
	MaxBytes        int64  `toml:"max_bytes"`
	BreakerFailures int    `toml:"breaker_failures"`
	BreakerTimeout  int    `toml:"breaker_timeout"`
	S3Region        string `toml:"s3_region"`
	S3Endpoint      string `toml:"s3_endpoint"`
	S3AccessKey     string `toml:"s3_access_key"`
	S3SecretKey     string `toml:"s3_secret_key"`
	S3PathStyle     bool   `toml:"s3_path_style"`
}

// Workflow contains configuration for daemon timing and intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
	JobRetry       bool   `toml:"job_retry"`
	Queue          bool   `toml:"queue"`
}

// Intake configures the external job sources that feed the queue.
type Intake struct {
	RedisEnabled  bool   `toml:"redis_enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisList     string `toml:"redis_list"`
	WatchEnabled  bool   `toml:"watch_enabled"`
	WatchDir      string `toml:"watch_dir"`
}

// Events configures lifecycle event publishing.
type Events struct {
	KafkaEnabled bool     `toml:"kafka_enabled"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

// Device configures serial device presence tracking.
type Device struct {
	MonitorEnabled bool `toml:"monitor_enabled"`
}

// Config encapsulates all configuration values for the engraver.
//
// Configuration sections by subsystem:
//   - Paths: data, log and artifact directories plus the API bind address
//   - Serial: GRBL port, baud rate and protocol timeouts
//   - Engraving: retry policy and SVG conversion parameters
//   - Artifacts: download limits, circuit breaker and S3 access
//   - Workflow: worker polling intervals and heartbeat timing
//   - Logging: log format and level
//   - Notifications: ntfy push notification settings
//   - Intake: Redis list and watch folder job sources
//   - Events: Kafka lifecycle event publishing
//   - Device: udev serial device monitoring
type Config struct {
	Paths         Paths         `toml:"paths"`
	Serial        Serial        `toml:"serial"`
	Engraving     Engraving     `toml:"engraving"`
	Artifacts     Artifacts     `toml:"artifacts"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Intake        Intake        `toml:"intake"`
	Events        Events        `toml:"events"`
	Device        Device        `toml:"device"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadEnvFiles(resolvedPath)

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadEnvFiles reads .env next to the config file and in the working directory.
// Variables already present in the environment win.
func loadEnvFiles(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		_ = godotenv.Load(candidate)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("engraver.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Intake.WatchEnabled && strings.TrimSpace(c.Intake.WatchDir) != "" {
		if err := os.MkdirAll(c.Intake.WatchDir, 0o755); err != nil {
			return fmt.Errorf("create watch directory %q: %w", c.Intake.WatchDir, err)
		}
	}
	return nil
}

// QueueDBPath returns the location of the SQLite queue database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "engraver.db")
}

// SocketPath returns the IPC socket the daemon listens on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "engraver.sock")
}

// LockPath returns the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "engraver.lock")
}

// PIDPath returns the daemon PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "engraver.pid")
}

// CommandTimeout bounds the wait for a single GRBL acknowledgement.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Serial.CommandTimeout) * time.Second
}

// JobTimeout bounds the serial phase of one engraving attempt.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Serial.JobTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
