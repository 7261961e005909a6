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

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and database locations.
type Paths struct {
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LedgerPath  string `toml:"ledger_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
	StreamEvents  int    `toml:"stream_events"`
}

// Pool contains connection pool limits and timeouts (seconds).
type Pool struct {
	MaxConnectionsPerHost int `toml:"max_connections_per_host"`
	ConnectTimeout        int `toml:"connect_timeout"`
	ReadTimeout           int `toml:"read_timeout"`
	RequestTimeout        int `toml:"request_timeout"`
	StreamMaxAge          int `toml:"stream_max_age"`
	CleanupInterval       int `toml:"cleanup_interval"`
}

// Stages contains per-stage queue capacities and drain settings.
type Stages struct {
	CaptureCapacity   int `toml:"capture_capacity"`
	WriterCapacity    int `toml:"writer_capacity"`
	UploaderCapacity  int `toml:"uploader_capacity"`
	DequeueWaitMillis int `toml:"dequeue_wait_ms"`
	DrainTimeout      int `toml:"drain_timeout"`
}

// Workflow contains daemon-level timing.
type Workflow struct {
	ShutdownDeadline  int `toml:"shutdown_deadline"`
	ReconnectBackoff  int `toml:"reconnect_backoff"`
	ReconnectMaxDelay int `toml:"reconnect_max_delay"`
}

// Camera describes one MJPEG source.
type Camera struct {
	Name     string  `toml:"name"`
	URL      string  `toml:"url"`
	FPS      float64 `toml:"fps"`
	Disabled bool    `toml:"disabled"`
	// Server names the health-monitored server that gates this camera.
	Server string `toml:"server"`
}

// Server describes one health-monitored dependency.
type Server struct {
	Name          string `toml:"name"`
	URL           string `toml:"url"`
	Interval      int    `toml:"interval"`
	TimeoutMillis int    `toml:"timeout_ms"`
}

// Records contains artifact writer settings.
type Records struct {
	RotateInterval int `toml:"rotate_interval"`
}

// Transfer contains remote upload settings.
type Transfer struct {
	Mode           string `toml:"mode"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	KeyPath        string `toml:"key_path"`
	KnownHostsPath string `toml:"known_hosts_path"`
	RemoteDir      string `toml:"remote_dir"`
	HTTPURL        string `toml:"http_url"`
	Timeout        int    `toml:"timeout"`
}

// Detector selects the per-frame processing collaborator.
type Detector struct {
	Mode          string   `toml:"mode"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	TimeoutMillis int      `toml:"timeout_ms"`
}

// Notifications contains ntfy and MQTT settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	MQTTBroker     string `toml:"mqtt_broker"`
	MQTTTopic      string `toml:"mqtt_topic"`
	MQTTClientID   string `toml:"mqtt_client_id"`
	HealthChanges  bool   `toml:"health_changes"`
	Shutdown       bool   `toml:"shutdown"`
	UploadFailures int    `toml:"upload_failure_threshold"`
}

// API contains the monitoring HTTP surface settings.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Config encapsulates all configuration values for camrelay.
//
// Configuration sections by subsystem:
//   - Paths: log, artifact, and ledger locations
//   - Logging: log format, level, and retention
//   - Pool: per-host connection limits and timeouts
//   - Stages: queue capacities and drain timeout
//   - Workflow: shutdown deadline and reconnect backoff
//   - Cameras / Servers: stream sources and health-probed dependencies
//   - Records, Transfer, Detector: pipeline collaborators
//   - Notifications, API: operator-facing surfaces
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Pool          Pool          `toml:"pool"`
	Stages        Stages        `toml:"stages"`
	Workflow      Workflow      `toml:"workflow"`
	Cameras       []Camera      `toml:"cameras"`
	Servers       []Server      `toml:"servers"`
	Records       Records       `toml:"records"`
	Transfer      Transfer      `toml:"transfer"`
	Detector      Detector      `toml:"detector"`
	Notifications Notifications `toml:"notifications"`
	API           API           `toml:"api"`
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

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
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

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
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
	projectPath, err := filepath.Abs("camrelay.toml")
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
	dirs := []string{c.Paths.LogDir, c.Paths.ArtifactDir}
	if c.Paths.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.LedgerPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// EnabledCameras returns cameras not marked disabled.
func (c *Config) EnabledCameras() []Camera {
	out := make([]Camera, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if !cam.Disabled {
			out = append(out, cam)
		}
	}
	return out
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "camrelay.sock")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "camrelay.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.LogDir, "camrelay.pid")
}

func (p Pool) ConnectTimeoutDuration() time.Duration { return seconds(p.ConnectTimeout) }
func (p Pool) ReadTimeoutDuration() time.Duration    { return seconds(p.ReadTimeout) }
func (p Pool) RequestTimeoutDuration() time.Duration { return seconds(p.RequestTimeout) }
func (p Pool) StreamMaxAgeDuration() time.Duration   { return seconds(p.StreamMaxAge) }
func (p Pool) CleanupIntervalDuration() time.Duration {
	return seconds(p.CleanupInterval)
}

func (s Stages) DequeueWait() time.Duration {
	return time.Duration(s.DequeueWaitMillis) * time.Millisecond
}
func (s Stages) DrainTimeoutDuration() time.Duration { return seconds(s.DrainTimeout) }

func (w Workflow) ShutdownDeadlineDuration() time.Duration  { return seconds(w.ShutdownDeadline) }
func (w Workflow) ReconnectBackoffDuration() time.Duration  { return seconds(w.ReconnectBackoff) }
func (w Workflow) ReconnectMaxDelayDuration() time.Duration { return seconds(w.ReconnectMaxDelay) }

func (s Server) IntervalDuration() time.Duration { return seconds(s.Interval) }
func (s Server) Timeout() time.Duration {
	return time.Duration(s.TimeoutMillis) * time.Millisecond
}

func (r Records) RotateIntervalDuration() time.Duration { return seconds(r.RotateInterval) }

func (t Transfer) TimeoutDuration() time.Duration { return seconds(t.Timeout) }

func (n Notifications) RequestTimeoutDuration() time.Duration { return seconds(n.RequestTimeout) }

func (d Detector) Timeout() time.Duration {
	return time.Duration(d.TimeoutMillis) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
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
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
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
