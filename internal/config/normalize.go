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
	c.normalizeLogging()
	c.normalizePool()
	c.normalizeStages()
	c.normalizeCameras()
	c.normalizeServers()
	if err := c.normalizeTransfer(); err != nil {
		return err
	}
	c.normalizeDetector()
	c.normalizeNotifications()
	c.normalizeAPI()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.LogDir, err = expandPath(orDefault(c.Paths.LogDir, defaultLogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ArtifactDir, err = expandPath(orDefault(c.Paths.ArtifactDir, defaultArtifactDir)); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	if c.Paths.LedgerPath, err = expandPath(strings.TrimSpace(c.Paths.LedgerPath)); err != nil {
		return fmt.Errorf("paths.ledger_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.StreamEvents <= 0 {
		c.Logging.StreamEvents = defaultStreamEvents
	}
}

func (c *Config) normalizePool() {
	positive(&c.Pool.MaxConnectionsPerHost, defaultMaxConnectionsPerHost)
	positive(&c.Pool.ConnectTimeout, defaultConnectTimeout)
	positive(&c.Pool.ReadTimeout, defaultReadTimeout)
	positive(&c.Pool.RequestTimeout, defaultRequestTimeout)
}

func (c *Config) normalizeStages() {
	positive(&c.Stages.CaptureCapacity, defaultCaptureCapacity)
	positive(&c.Stages.WriterCapacity, defaultWriterCapacity)
	positive(&c.Stages.UploaderCapacity, defaultUploaderCapacity)
	positive(&c.Stages.DequeueWaitMillis, defaultDequeueWaitMillis)
	positive(&c.Workflow.ShutdownDeadline, defaultShutdownDeadline)
	positive(&c.Workflow.ReconnectBackoff, defaultReconnectBackoff)
	positive(&c.Workflow.ReconnectMaxDelay, defaultReconnectMaxDelay)
	positive(&c.Records.RotateInterval, defaultRotateInterval)
}

func (c *Config) normalizeCameras() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		cam.Name = strings.TrimSpace(cam.Name)
		cam.URL = strings.TrimSpace(cam.URL)
		cam.Server = strings.TrimSpace(cam.Server)
		if cam.FPS <= 0 {
			cam.FPS = defaultCameraFPS
		}
	}
}

func (c *Config) normalizeServers() {
	for i := range c.Servers {
		srv := &c.Servers[i]
		srv.Name = strings.TrimSpace(srv.Name)
		srv.URL = strings.TrimSpace(srv.URL)
		positive(&srv.Interval, defaultServerInterval)
		positive(&srv.TimeoutMillis, defaultServerTimeoutMillis)
	}
}

func (c *Config) normalizeTransfer() error {
	c.Transfer.Mode = strings.ToLower(strings.TrimSpace(c.Transfer.Mode))
	if c.Transfer.Mode == "" {
		c.Transfer.Mode = defaultTransferMode
	}
	positive(&c.Transfer.Port, defaultSFTPPort)
	positive(&c.Transfer.Timeout, defaultTransferTimeout)
	if c.Transfer.Password == "" {
		if value, ok := os.LookupEnv("CAMRELAY_SFTP_PASSWORD"); ok {
			c.Transfer.Password = value
		}
	}
	c.Transfer.RemoteDir = strings.TrimRight(strings.TrimSpace(c.Transfer.RemoteDir), "/")
	c.Transfer.HTTPURL = strings.TrimRight(strings.TrimSpace(c.Transfer.HTTPURL), "/")
	var err error
	if c.Transfer.KeyPath, err = expandPath(strings.TrimSpace(c.Transfer.KeyPath)); err != nil {
		return fmt.Errorf("transfer.key_path: %w", err)
	}
	if c.Transfer.KnownHostsPath, err = expandPath(strings.TrimSpace(c.Transfer.KnownHostsPath)); err != nil {
		return fmt.Errorf("transfer.known_hosts_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeDetector() {
	c.Detector.Mode = strings.ToLower(strings.TrimSpace(c.Detector.Mode))
	if c.Detector.Mode == "" {
		c.Detector.Mode = defaultDetectorMode
	}
	c.Detector.Command = strings.TrimSpace(c.Detector.Command)
	positive(&c.Detector.TimeoutMillis, defaultDetectorTimeoutMillis)
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CAMRELAY_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	positive(&c.Notifications.RequestTimeout, defaultNotifyRequestTimeout)
	c.Notifications.MQTTBroker = strings.TrimSpace(c.Notifications.MQTTBroker)
	c.Notifications.MQTTTopic = strings.Trim(strings.TrimSpace(c.Notifications.MQTTTopic), "/")
	if c.Notifications.MQTTTopic == "" {
		c.Notifications.MQTTTopic = defaultMQTTTopic
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("CAMRELAY_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func positive(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
