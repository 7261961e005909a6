package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"camrelay/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	cfg *config.Config
}

// NewConfig produces a config rooted in a fresh temp directory with the API
// disabled and short queue waits. The base lives directly under os.TempDir
// because Unix socket paths are length limited.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base, err := os.MkdirTemp("", "cr")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfgVal := config.Default()
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "records")
	cfgVal.Paths.LedgerPath = filepath.Join(base, "ledger.db")
	cfgVal.API.Bind = ""
	cfgVal.Stages.DequeueWaitMillis = 20
	cfgVal.Stages.DrainTimeout = 1
	cfgVal.Workflow.ShutdownDeadline = 2

	builder := &configBuilder{cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithServer adds a health-monitored server probed once an hour.
func WithServer(name, url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Servers = append(b.cfg.Servers, config.Server{Name: name, URL: url, Interval: 3600, TimeoutMillis: 500})
	}
}

func baseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.LogDir)
}

// WriteConfigFile renders the fields NewConfig sets as TOML so CLI tests can
// load the same configuration with --config.
func WriteConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()
	type server struct {
		Name     string `toml:"name"`
		URL      string `toml:"url"`
		Interval int    `toml:"interval"`
	}
	doc := struct {
		Paths    config.Paths    `toml:"paths"`
		API      config.API      `toml:"api"`
		Stages   config.Stages   `toml:"stages"`
		Workflow config.Workflow `toml:"workflow"`
		Servers  []server        `toml:"servers"`
	}{Paths: cfg.Paths, API: cfg.API, Stages: cfg.Stages, Workflow: cfg.Workflow}
	for _, srv := range cfg.Servers {
		doc.Servers = append(doc.Servers, server{Name: srv.Name, URL: srv.URL, Interval: srv.Interval})
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(baseDir(cfg), "camrelay.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
