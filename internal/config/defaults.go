package config

const (
	defaultConfigPath            = "~/.config/camrelay/config.toml"
	defaultLogDir                = "~/.local/share/camrelay/logs"
	defaultArtifactDir           = "~/.local/share/camrelay/records"
	defaultLedgerPath            = "~/.local/share/camrelay/ledger.db"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 14
	defaultStreamEvents          = 4096
	defaultMaxConnectionsPerHost = 10
	defaultConnectTimeout        = 5
	defaultReadTimeout           = 10
	defaultRequestTimeout        = 30
	defaultStreamMaxAge          = 3600
	defaultCleanupInterval       = 300
	defaultCaptureCapacity       = 50
	defaultWriterCapacity        = 200
	defaultUploaderCapacity      = 100
	defaultDequeueWaitMillis     = 1000
	defaultDrainTimeout          = 10
	defaultShutdownDeadline      = 30
	defaultReconnectBackoff      = 1
	defaultReconnectMaxDelay     = 30
	defaultCameraFPS             = 2
	defaultServerInterval        = 10
	defaultServerTimeoutMillis   = 1500
	defaultRotateInterval        = 60
	defaultTransferMode          = TransferNone
	defaultSFTPPort              = 22
	defaultTransferTimeout       = 30
	defaultDetectorMode          = DetectorPassthrough
	defaultDetectorTimeoutMillis = 2000
	defaultNotifyRequestTimeout  = 10
	defaultMQTTTopic             = "camrelay"
	defaultUploadFailures        = 5
	defaultAPIBind               = "127.0.0.1:7490"
)

// Transfer modes.
const (
	TransferNone = "none"
	TransferSFTP = "sftp"
	TransferHTTP = "http"
)

// Detector modes.
const (
	DetectorPassthrough = "passthrough"
	DetectorProcess     = "process"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
			LedgerPath:  defaultLedgerPath,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
			StreamEvents:  defaultStreamEvents,
		},
		Pool: Pool{
			MaxConnectionsPerHost: defaultMaxConnectionsPerHost,
			ConnectTimeout:        defaultConnectTimeout,
			ReadTimeout:           defaultReadTimeout,
			RequestTimeout:        defaultRequestTimeout,
			StreamMaxAge:          defaultStreamMaxAge,
			CleanupInterval:       defaultCleanupInterval,
		},
		Stages: Stages{
			CaptureCapacity:   defaultCaptureCapacity,
			WriterCapacity:    defaultWriterCapacity,
			UploaderCapacity:  defaultUploaderCapacity,
			DequeueWaitMillis: defaultDequeueWaitMillis,
			DrainTimeout:      defaultDrainTimeout,
		},
		Workflow: Workflow{
			ShutdownDeadline:  defaultShutdownDeadline,
			ReconnectBackoff:  defaultReconnectBackoff,
			ReconnectMaxDelay: defaultReconnectMaxDelay,
		},
		Records: Records{
			RotateInterval: defaultRotateInterval,
		},
		Transfer: Transfer{
			Mode:    defaultTransferMode,
			Port:    defaultSFTPPort,
			Timeout: defaultTransferTimeout,
		},
		Detector: Detector{
			Mode:          defaultDetectorMode,
			TimeoutMillis: defaultDetectorTimeoutMillis,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			MQTTTopic:      defaultMQTTTopic,
			HealthChanges:  true,
			Shutdown:       true,
			UploadFailures: defaultUploadFailures,
		},
		API: API{
			Bind: defaultAPIBind,
		},
	}
}
