package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSerial()
	c.normalizeEngraving()
	c.normalizeArtifacts()
	if err := c.normalizeIntake(); err != nil {
		return err
	}
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		c.Paths.ArtifactDir = defaultArtifactDir
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("ENGRAVER_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeSerial() {
	if value, ok := os.LookupEnv("ENGRAVER_SERIAL_PORT"); ok && strings.TrimSpace(value) != "" {
		c.Serial.Port = strings.TrimSpace(value)
	}
	c.Serial.Port = strings.TrimSpace(c.Serial.Port)
	c.Serial.CompletionSentinel = strings.TrimSpace(c.Serial.CompletionSentinel)
	if c.Serial.CompletionSentinel == "" {
		c.Serial.CompletionSentinel = defaultCompletionSentinel
	}
	if c.Serial.WakeupDelayMillis < 0 {
		c.Serial.WakeupDelayMillis = 0
	}
}

func (c *Config) normalizeEngraving() {
	if c.Engraving.RetryJitter < 0 {
		c.Engraving.RetryJitter = 0
	}
	if c.Engraving.UnitsPerMM == 0 {
		c.Engraving.UnitsPerMM = defaultUnitsPerMM
	}
}

func (c *Config) normalizeArtifacts() {
	c.Artifacts.BaseURL = strings.TrimSpace(c.Artifacts.BaseURL)
	c.Artifacts.S3Region = strings.TrimSpace(c.Artifacts.S3Region)
	if c.Artifacts.S3Region == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok && strings.TrimSpace(value) != "" {
			c.Artifacts.S3Region = strings.TrimSpace(value)
		} else {
			c.Artifacts.S3Region = defaultS3Region
		}
	}
	c.Artifacts.S3Endpoint = strings.TrimSpace(c.Artifacts.S3Endpoint)
	c.Artifacts.S3AccessKey = strings.TrimSpace(c.Artifacts.S3AccessKey)
	if c.Artifacts.S3AccessKey == "" {
		if value, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok {
			c.Artifacts.S3AccessKey = strings.TrimSpace(value)
		}
	}
	c.Artifacts.S3SecretKey = strings.TrimSpace(c.Artifacts.S3SecretKey)
	if c.Artifacts.S3SecretKey == "" {
		if value, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok {
			c.Artifacts.S3SecretKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeIntake() error {
	c.Intake.RedisAddr = strings.TrimSpace(c.Intake.RedisAddr)
	if c.Intake.RedisAddr == "" {
		c.Intake.RedisAddr = defaultRedisAddr
	}
	c.Intake.RedisList = strings.TrimSpace(c.Intake.RedisList)
	if c.Intake.RedisList == "" {
		c.Intake.RedisList = defaultRedisList
	}
	if c.Intake.RedisPassword == "" {
		if value, ok := os.LookupEnv("ENGRAVER_REDIS_PASSWORD"); ok {
			c.Intake.RedisPassword = value
		}
	}
	if strings.TrimSpace(c.Intake.WatchDir) == "" {
		c.Intake.WatchDir = defaultWatchDir
	}
	var err error
	if c.Intake.WatchDir, err = expandPath(c.Intake.WatchDir); err != nil {
		return fmt.Errorf("intake.watch_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEvents() {
	brokers := make([]string, 0, len(c.Events.KafkaBrokers))
	for _, broker := range c.Events.KafkaBrokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Events.KafkaBrokers = brokers
	c.Events.KafkaTopic = strings.TrimSpace(c.Events.KafkaTopic)
	if c.Events.KafkaTopic == "" {
		c.Events.KafkaTopic = defaultKafkaTopic
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
