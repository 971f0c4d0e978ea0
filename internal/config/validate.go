package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSerial(); err != nil {
		return err
	}
	if err := c.validateEngraving(); err != nil {
		return err
	}
	if err := c.validateArtifacts(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateIntake(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSerial() error {
	if c.Serial.Port == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("serial.port is required. Set ENGRAVER_SERIAL_PORT or edit %s (create with 'engraver config init')", defaultPath)
	}
	if err := ensurePositiveMap(map[string]int{
		"serial.baud_rate":       c.Serial.BaudRate,
		"serial.command_timeout": c.Serial.CommandTimeout,
		"serial.job_timeout":     c.Serial.JobTimeout,
		"serial.status_poll_ms":  c.Serial.StatusPollMillis,
	}); err != nil {
		return err
	}
	if c.Serial.JobTimeout <= c.Serial.CommandTimeout {
		return errors.New("serial.job_timeout must be greater than serial.command_timeout")
	}
	return nil
}

func (c *Config) validateEngraving() error {
	if err := ensurePositiveMap(map[string]int{
		"engraving.max_attempts":      c.Engraving.MaxAttempts,
		"engraving.retry_backoff":     c.Engraving.RetryBackoff,
		"engraving.retry_backoff_max": c.Engraving.RetryBackoffMax,
		"engraving.laser_power":       c.Engraving.LaserPower,
		"engraving.feed_rate":         c.Engraving.FeedRate,
		"engraving.travel_rate":       c.Engraving.TravelRate,
	}); err != nil {
		return err
	}
	if c.Engraving.RetryBackoffMax < c.Engraving.RetryBackoff {
		return errors.New("engraving.retry_backoff_max must be >= engraving.retry_backoff")
	}
	if c.Engraving.RetryJitter > 1 {
		return errors.New("engraving.retry_jitter must be between 0 and 1")
	}
	if c.Engraving.UnitsPerMM <= 0 {
		return errors.New("engraving.units_per_mm must be positive")
	}
	if c.Engraving.FillSpacing < 0 {
		return errors.New("engraving.fill_spacing must be >= 0")
	}
	return nil
}

func (c *Config) validateArtifacts() error {
	if err := ensurePositiveMap(map[string]int{
		"artifacts.download_timeout": c.Artifacts.DownloadTimeout,
		"artifacts.breaker_failures": c.Artifacts.BreakerFailures,
		"artifacts.breaker_timeout":  c.Artifacts.BreakerTimeout,
	}); err != nil {
		return err
	}
	if c.Artifacts.MaxBytes <= 0 {
		return errors.New("artifacts.max_bytes must be positive")
	}
	if c.Artifacts.BaseURL != "" {
		parsed, err := url.Parse(c.Artifacts.BaseURL)
		if err != nil || parsed.Scheme == "" {
			return fmt.Errorf("artifacts.base_url must be an absolute URL, got %q", c.Artifacts.BaseURL)
		}
	}
	if (c.Artifacts.S3AccessKey == "") != (c.Artifacts.S3SecretKey == "") {
		return errors.New("artifacts.s3_access_key and artifacts.s3_secret_key must be set together")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.heartbeat_interval":   c.Workflow.HeartbeatInterval,
		"workflow.heartbeat_timeout":    c.Workflow.HeartbeatTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateIntake() error {
	if c.Intake.RedisEnabled {
		if c.Intake.RedisAddr == "" {
			return errors.New("intake.redis_addr must be set when intake.redis_enabled is true")
		}
		if c.Intake.RedisDB < 0 {
			return errors.New("intake.redis_db must be >= 0")
		}
	}
	if c.Intake.WatchEnabled && strings.TrimSpace(c.Intake.WatchDir) == "" {
		return errors.New("intake.watch_dir must be set when intake.watch_enabled is true")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.KafkaEnabled && len(c.Events.KafkaBrokers) == 0 {
		return errors.New("events.kafka_brokers must include at least one broker when events.kafka_enabled is true")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
