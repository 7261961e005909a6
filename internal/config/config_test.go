package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"camrelay/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "camrelay", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if want := filepath.Join(tempHome, ".local", "share", "camrelay", "logs"); cfg.Paths.LogDir != want {
		t.Fatalf("unexpected log dir: got %q want %q", cfg.Paths.LogDir, want)
	}
	if cfg.Transfer.Mode != config.TransferNone {
		t.Fatalf("expected transfer disabled by default, got %q", cfg.Transfer.Mode)
	}
	if cfg.Stages.CaptureCapacity != 50 || cfg.Stages.WriterCapacity != 200 || cfg.Stages.UploaderCapacity != 100 {
		t.Fatalf("unexpected stage capacities: %+v", cfg.Stages)
	}
	if cfg.Pool.ConnectTimeoutDuration() != 5*time.Second || cfg.Pool.ReadTimeoutDuration() != 10*time.Second {
		t.Fatalf("unexpected pool timeouts: %+v", cfg.Pool)
	}
	if cfg.Pool.RequestTimeoutDuration() != 30*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.Pool.RequestTimeoutDuration())
	}
}

func TestLoadParsesCamerasAndServers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "camrelay.toml")
	content := `
[paths]
log_dir = "` + filepath.Join(dir, "logs") + `"
artifact_dir = "` + filepath.Join(dir, "records") + `"

[[servers]]
name = "dock"
url = "http://10.0.0.5:5000/health"

[[cameras]]
name = "dock-1"
url = "http://10.0.0.5:5000/video_feed"
server = "dock"

[[cameras]]
name = "yard"
url = "http://10.0.0.6:5000/video_feed"
fps = 0.5
disabled = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected existing config at %q, got %q (exists=%v)", path, resolved, exists)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Interval != 10 || cfg.Servers[0].Timeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected server defaults: %+v", cfg.Servers)
	}
	if cfg.Cameras[0].FPS != 2 {
		t.Fatalf("expected default fps 2, got %v", cfg.Cameras[0].FPS)
	}
	enabled := cfg.EnabledCameras()
	if len(enabled) != 1 || enabled[0].Name != "dock-1" {
		t.Fatalf("unexpected enabled cameras: %+v", enabled)
	}
	if cfg.SocketPath() != filepath.Join(dir, "logs", "camrelay.sock") {
		t.Fatalf("unexpected socket path %q", cfg.SocketPath())
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown log format",
			mutate: func(c *config.Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
		{
			name: "camera without url",
			mutate: func(c *config.Config) {
				c.Cameras = []config.Camera{{Name: "a"}}
			},
			want: "cameras[0].url",
		},
		{
			name: "camera name with slash",
			mutate: func(c *config.Config) {
				c.Cameras = []config.Camera{{Name: "a/b", URL: "http://x/video"}}
			},
			want: "path separators",
		},
		{
			name: "camera server unknown",
			mutate: func(c *config.Config) {
				c.Cameras = []config.Camera{{Name: "a", URL: "http://x/video", Server: "ghost"}}
			},
			want: "not a configured server",
		},
		{
			name: "duplicate server",
			mutate: func(c *config.Config) {
				c.Servers = []config.Server{{Name: "s", URL: "http://x"}, {Name: "s", URL: "http://y"}}
			},
			want: "duplicated",
		},
		{
			name:   "sftp without host",
			mutate: func(c *config.Config) { c.Transfer.Mode = config.TransferSFTP },
			want:   "transfer.host",
		},
		{
			name:   "http without url",
			mutate: func(c *config.Config) { c.Transfer.Mode = config.TransferHTTP },
			want:   "transfer.http_url",
		},
		{
			name:   "process detector without command",
			mutate: func(c *config.Config) { c.Detector.Mode = config.DetectorProcess },
			want:   "detector.command",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CAMRELAY_NTFY_TOPIC", "https://ntfy.example/relay")
	t.Setenv("CAMRELAY_SFTP_PASSWORD", "s3cret")
	t.Setenv("CAMRELAY_API_TOKEN", "tok")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.example/relay" {
		t.Fatalf("unexpected ntfy topic %q", cfg.Notifications.NtfyTopic)
	}
	if cfg.Transfer.Password != "s3cret" {
		t.Fatalf("unexpected sftp password %q", cfg.Transfer.Password)
	}
	if cfg.API.Token != "tok" {
		t.Fatalf("unexpected api token %q", cfg.API.Token)
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("sample is not valid toml: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists || len(cfg.Cameras) != 1 || cfg.Cameras[0].Server != "webcam" {
		t.Fatalf("unexpected sample config: %+v", cfg.Cameras)
	}
}

func TestEnsureDirectoriesCreatesPaths(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "records")
	cfg.Paths.LedgerPath = filepath.Join(base, "db", "ledger.db")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.LogDir, cfg.Paths.ArtifactDir, filepath.Join(base, "db")} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
