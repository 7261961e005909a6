package testsupport

import (
	"context"
	"strings"
	"testing"
	"time"

	"camrelay/internal/capture"
	"camrelay/internal/config"
	"camrelay/internal/connpool"
	"camrelay/internal/daemon"
	"camrelay/internal/health"
	"camrelay/internal/ipc"
	"camrelay/internal/ledger"
	"camrelay/internal/lifecycle"
	"camrelay/internal/logging"
	"camrelay/internal/records"
	"camrelay/internal/transfer"
	"camrelay/internal/workflow"
)

// Fixture is a fully wired daemon with a passthrough detector and no-op
// uploader, built the same way the daemon process builds it.
type Fixture struct {
	Config   *config.Config
	Ledger   *ledger.Store
	Pool     *connpool.Pool
	Monitor  *health.Monitor
	Pipeline *workflow.Pipeline
	Hub      *logging.StreamHub
	Daemon   *daemon.Daemon
}

// NewDaemon builds a Fixture for cfg. Nothing is started.
func NewDaemon(t testing.TB, cfg *config.Config) *Fixture {
	t.Helper()
	logger := logging.NewNop()

	store, err := ledger.Open(cfg.Paths.LedgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool := connpool.New(connpool.Options{}, logger)
	monitor := health.NewMonitor(pool, logger)
	for _, srv := range cfg.Servers {
		if err := monitor.Register(health.Target{Name: srv.Name, URL: srv.URL, Interval: srv.IntervalDuration(), Timeout: srv.Timeout()}); err != nil {
			t.Fatalf("register target %s: %v", srv.Name, err)
		}
	}
	pipeline, err := workflow.NewPipeline(workflow.Options{
		Stages:   cfg.Stages,
		Detector: capture.PassthroughDetector{},
		Writer:   records.NewCSVWriter(cfg.Paths.ArtifactDir, time.Minute, logger),
		Uploader: transfer.NopUploader{},
		Ledger:   store,
	}, logger)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	reg := lifecycle.NewRegistry(logger)
	if err := reg.Register(pool, lifecycle.KindPool); err != nil {
		t.Fatalf("register pool: %v", err)
	}
	if err := reg.Register(monitor, lifecycle.KindMonitor); err != nil {
		t.Fatalf("register monitor: %v", err)
	}
	if err := pipeline.Register(reg); err != nil {
		t.Fatalf("register pipeline: %v", err)
	}

	hub := logging.NewStreamHub(64)
	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Pool:     pool,
		Monitor:  monitor,
		Pipeline: pipeline,
		Registry: reg,
		Ledger:   store,
		LogHub:   hub,
	}, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	return &Fixture{Config: cfg, Ledger: store, Pool: pool, Monitor: monitor, Pipeline: pipeline, Hub: hub, Daemon: d}
}

// Serve starts the daemon and an IPC server on the configured socket. The
// server closes once the daemon stops, mirroring the daemon process exiting.
// Sandboxes that forbid Unix sockets skip the test.
func (f *Fixture) Serve(t testing.TB) *ipc.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := f.Daemon.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	srv, err := ipc.NewServer(ctx, f.Config.SocketPath(), f.Daemon, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	go func() {
		<-f.Daemon.Done()
		srv.Close()
	}()
	t.Cleanup(func() {
		_ = f.Daemon.Close()
		srv.Close()
	})
	return srv
}
