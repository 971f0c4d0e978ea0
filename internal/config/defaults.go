package config

const (
	defaultConfigPath                = "~/.config/engraver/config.toml"
	defaultDataDir                   = "~/.local/share/engraver"
	defaultLogDir                    = "~/.local/share/engraver/logs"
	defaultArtifactDir               = "~/.local/share/engraver/artifacts"
	defaultAPIBind                   = "127.0.0.1:7488"
	defaultSerialPort                = "/dev/ttyUSB0"
	defaultBaudRate                  = 115200
	defaultCommandTimeout            = 10
	defaultJobTimeout                = 3600
	defaultWakeupDelayMillis         = 2000
	defaultStatusPollMillis          = 250
	defaultCompletionSentinel        = "Idle"
	defaultMaxAttempts               = 3
	defaultRetryBackoff              = 30
	defaultRetryBackoffMax           = 900
	defaultRetryJitter               = 0.2
	defaultLaserPower                = 1000
	defaultFeedRate                  = 1200
	defaultTravelRate                = 3000
	defaultUnitsPerMM                = 1.0
	defaultFillSpacing               = 0.1
	defaultDownloadTimeout           = 60
	defaultArtifactMaxBytes          = 16 << 20
	defaultBreakerFailures           = 5
	defaultBreakerTimeout            = 60
	defaultS3Region                  = "us-east-1"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultQueuePollInterval         = 5
	defaultErrorRetryInterval        = 10
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
	defaultNotifyRequestTimeout      = 10
	defaultRedisAddr                 = "127.0.0.1:6379"
	defaultRedisList                 = "engraver:jobs"
	defaultWatchDir                  = "~/.local/share/engraver/inbox"
	defaultKafkaTopic                = "engraving.events"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
			APIBind:     defaultAPIBind,
		},
		Serial: Serial{
			Port:               defaultSerialPort,
			BaudRate:           defaultBaudRate,
			CommandTimeout:     defaultCommandTimeout,
			JobTimeout:         defaultJobTimeout,
			WakeupDelayMillis:  defaultWakeupDelayMillis,
			StatusPollMillis:   defaultStatusPollMillis,
			CompletionSentinel: defaultCompletionSentinel,
		},
		Engraving: Engraving{
			MaxAttempts:     defaultMaxAttempts,
			RetryBackoff:    defaultRetryBackoff,
			RetryBackoffMax: defaultRetryBackoffMax,
			RetryJitter:     defaultRetryJitter,
			LaserPower:      defaultLaserPower,
			FeedRate:        defaultFeedRate,
			TravelRate:      defaultTravelRate,
			UnitsPerMM:      defaultUnitsPerMM,
			FillSpacing:     defaultFillSpacing,
		},
		Artifacts: Artifacts{
			DownloadTimeout: defaultDownloadTimeout,
			MaxBytes:        defaultArtifactMaxBytes,
			BreakerFailures: defaultBreakerFailures,
			BreakerTimeout:  defaultBreakerTimeout,
			S3Region:        defaultS3Region,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			JobCompleted:   true,
			JobFailed:      true,
			JobRetry:       false,
			Queue:          true,
		},
		Intake: Intake{
			RedisAddr: defaultRedisAddr,
			RedisList: defaultRedisList,
			WatchDir:  defaultWatchDir,
		},
		Events: Events{
			KafkaTopic: defaultKafkaTopic,
		},
		Device: Device{
			MonitorEnabled: true,
		},
	}
}
