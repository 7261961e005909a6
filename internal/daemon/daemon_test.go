package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"camrelay/internal/capture"
	"camrelay/internal/config"
	"camrelay/internal/connpool"
	"camrelay/internal/health"
	"camrelay/internal/ledger"
	"camrelay/internal/lifecycle"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/records"
	"camrelay/internal/services"
	"camrelay/internal/transfer"
	"camrelay/internal/workflow"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) snapshot() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

type blockingDetector struct {
	release chan struct{}
}

func (d blockingDetector) Detect(ctx context.Context, f capture.Frame) (records.Detection, error) {
	<-d.release
	return capture.PassthroughDetector{}.Detect(ctx, f)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LedgerPath = filepath.Join(base, "ledger.db")
	cfg.API.Bind = ""
	cfg.Stages.DequeueWaitMillis = 20
	cfg.Stages.DrainTimeout = 1
	cfg.Workflow.ShutdownDeadline = 2
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

type fixture struct {
	cfg      *config.Config
	pipeline *workflow.Pipeline
	ledger   *ledger.Store
	hub      *logging.StreamHub
	notifier *recordingNotifier
	daemon   *Daemon
}

func newFixture(t *testing.T, cfg *config.Config, detector capture.Detector) *fixture {
	t.Helper()
	logger := logging.NewNop()
	store, err := ledger.Open(cfg.Paths.LedgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool := connpool.New(connpool.Options{}, logger)
	monitor := health.NewMonitor(pool, logger)
	pipeline, err := workflow.NewPipeline(workflow.Options{
		Stages:   cfg.Stages,
		Detector: detector,
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

	f := &fixture{cfg: cfg, pipeline: pipeline, ledger: store, hub: logging.NewStreamHub(64), notifier: &recordingNotifier{}}
	f.daemon, err = New(Options{
		Config:   cfg,
		Pool:     pool,
		Monitor:  monitor,
		Pipeline: pipeline,
		Registry: reg,
		Ledger:   store,
		Notifier: f.notifier,
		LogHub:   f.hub,
	}, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = f.daemon.Close() })
	return f
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t, testConfig(t), capture.PassthroughDetector{})
	ctx := context.Background()

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := f.daemon.Status(ctx)
	if !status.Running || status.StartedAt == "" || len(status.Stages) != 3 {
		t.Fatalf("unexpected running status %+v", status)
	}
	if status.Stages[0].Next != workflow.StageWriter || status.LedgerPath != f.cfg.Paths.LedgerPath {
		t.Fatalf("unexpected stage wiring or ledger path %+v", status)
	}

	if err := f.daemon.Start(ctx); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	report, err := f.daemon.Stop(ctx)
	if err != nil || !report.Clean() {
		t.Fatalf("expected clean stop, got %+v %v", report, err)
	}
	select {
	case <-f.daemon.Done():
	default:
		t.Fatal("expected Done to be closed after Stop")
	}
	status = f.daemon.Status(ctx)
	if status.Running || status.LastShutdown == nil || !status.LastShutdown.Clean {
		t.Fatalf("expected stopped status with clean report, got %+v", status)
	}
	if again, _ := f.daemon.Stop(ctx); again.Elapsed != report.Elapsed {
		t.Fatal("expected repeated Stop to return the first report")
	}
	if got := f.notifier.snapshot(); len(got) != 0 {
		t.Fatalf("expected no notifications for a clean stop, got %v", got)
	}
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	first := newFixture(t, cfg, capture.PassthroughDetector{})
	if err := first.daemon.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}

	secondCfg := *cfg
	secondCfg.Paths.LedgerPath = filepath.Join(t.TempDir(), "other.db")
	second := newFixture(t, &secondCfg, capture.PassthroughDetector{})
	if err := second.daemon.Start(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected lock contention error, got %v", err)
	}
	if second.daemon.Running() {
		t.Fatal("second daemon must not report running")
	}
}

func TestDaemonPartialShutdownNotifies(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cfg := testConfig(t)
	cfg.Workflow.ShutdownDeadline = 1
	f := newFixture(t, cfg, blockingDetector{release: release})
	ctx := context.Background()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	entry := f.pipeline.Entry()
	entry.Enqueue(capture.Frame{Camera: "front", Seq: 1, Timestamp: time.Now()})
	entry.Enqueue(capture.Frame{Camera: "front", Seq: 2, Timestamp: time.Now()})

	report, err := f.daemon.Stop(ctx)
	if !errors.Is(err, services.ErrShutdownTimeout) {
		t.Fatalf("expected shutdown timeout, got %v", err)
	}
	if names := report.UnconfirmedNames(); !slices.Contains(names, workflow.StageCapture) {
		t.Fatalf("expected capture unconfirmed, got %v", names)
	}
	if got := f.notifier.snapshot(); !slices.Equal(got, []notifications.Event{notifications.EventShutdownPartial}) {
		t.Fatalf("expected partial shutdown notification, got %v", got)
	}
}

func TestDaemonRecentUploads(t *testing.T) {
	f := newFixture(t, testConfig(t), capture.PassthroughDetector{})
	ctx := context.Background()
	for _, camera := range []string{"front", "yard", "front"} {
		if _, err := f.ledger.Record(ctx, ledger.Upload{Camera: camera, LocalPath: "/a/" + camera + ".csv"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	uploads, err := f.daemon.RecentUploads(ctx, "front", 10)
	if err != nil {
		t.Fatalf("recent uploads: %v", err)
	}
	if len(uploads) != 2 || uploads[0].Camera != "front" {
		t.Fatalf("unexpected uploads %+v", uploads)
	}

	f.daemon.opts.Ledger = nil
	if _, err := f.daemon.RecentUploads(ctx, "", 10); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found without ledger, got %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Config: testConfig(t)}, logging.NewNop()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
