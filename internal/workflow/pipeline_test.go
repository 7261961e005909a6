package workflow_test

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
	"camrelay/internal/ledger"
	"camrelay/internal/lifecycle"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/records"
	"camrelay/internal/services"
	"camrelay/internal/transfer"
	"camrelay/internal/workflow"
)

type stubUploader struct {
	mu        sync.Mutex
	artifacts []records.Artifact
	err       error
	closed    bool
}

func (u *stubUploader) Upload(_ context.Context, a records.Artifact) (transfer.Receipt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.artifacts = append(u.artifacts, a)
	if u.err != nil {
		return transfer.Receipt{}, u.err
	}
	return transfer.Receipt{Camera: a.Camera, LocalPath: a.Path, RemotePath: "/remote/" + a.Camera + "/" + a.Name, Bytes: a.Size, UploadedAt: time.Now()}, nil
}

func (u *stubUploader) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return nil
}

func (u *stubUploader) snapshot() []records.Artifact {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]records.Artifact(nil), u.artifacts...)
}

// rejectingWriter fails detections from one camera and delegates the rest.
type rejectingWriter struct {
	next   records.Writer
	reject string
}

func (w rejectingWriter) ProduceArtifact(ctx context.Context, det records.Detection) (records.Artifact, error) {
	if det.Camera == w.reject {
		return records.Artifact{}, services.Wrap(services.ErrProcessing, "test", "write", "disk full", nil)
	}
	return w.next.ProduceArtifact(ctx, det)
}

type blockingDetector struct {
	release chan struct{}
}

func (d blockingDetector) Detect(ctx context.Context, f capture.Frame) (records.Detection, error) {
	<-d.release
	return capture.PassthroughDetector{}.Detect(ctx, f)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   notifications.Payload
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.last = payload
	return nil
}

func (n *recordingNotifier) snapshot() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testStages() config.Stages {
	stages := config.Default().Stages
	stages.DequeueWaitMillis = 20
	stages.DrainTimeout = 2
	return stages
}

func openLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startPipeline(t *testing.T, opts workflow.Options) (*workflow.Pipeline, *lifecycle.Registry) {
	t.Helper()
	p, err := workflow.NewPipeline(opts, logging.NewNop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	reg := lifecycle.NewRegistry(logging.NewNop())
	if err := p.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, reg
}

func frame(camera string, seq uint64) capture.Frame {
	return capture.Frame{Camera: camera, Seq: seq, Timestamp: time.Now(), Width: 640, Height: 480}
}

func TestPipelineHandsOffEndToEnd(t *testing.T) {
	uploader := &stubUploader{}
	store := openLedger(t)
	writer := records.NewCSVWriter(t.TempDir(), time.Hour, logging.NewNop())
	p, reg := startPipeline(t, workflow.Options{
		Stages:   testStages(),
		Detector: capture.PassthroughDetector{},
		Writer:   writer,
		Uploader: uploader,
		Ledger:   store,
	})

	for seq := uint64(1); seq <= 3; seq++ {
		if !p.Entry().Enqueue(frame("front", seq)) {
			t.Fatalf("frame %d refused", seq)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(uploader.snapshot()) == 3 })

	report, err := reg.StopAll(context.Background(), 2*time.Second)
	if err != nil || !report.Clean() {
		t.Fatalf("expected clean shutdown, got %+v %v", report, err)
	}

	uploads := uploader.snapshot()
	if uploads[2].Rows != 3 || uploads[0].Path != uploads[2].Path {
		t.Fatalf("expected one growing artifact, got %+v", uploads)
	}
	for _, st := range p.Stats() {
		if st.Processed != 3 || st.Failed != 0 || st.HandoffDropped != 0 {
			t.Fatalf("unexpected stats for %s: %+v", st.Name, st)
		}
	}
	recent, err := store.Recent(context.Background(), "front", 10)
	if err != nil {
		t.Fatalf("ledger recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Status != ledger.StatusUploaded || recent[0].RemotePath == "" {
		t.Fatalf("unexpected ledger rows %+v", recent)
	}
	if !uploader.closed {
		t.Fatal("expected uploader closed during shutdown")
	}
	if results := p.StopResults(); len(results) != 3 || !results[0].Clean {
		t.Fatalf("unexpected stop results %+v", results)
	}
}

func TestWriterFailureIsolatesItem(t *testing.T) {
	uploader := &stubUploader{}
	p, reg := startPipeline(t, workflow.Options{
		Stages:   testStages(),
		Detector: capture.PassthroughDetector{},
		Writer:   rejectingWriter{next: records.NewCSVWriter(t.TempDir(), time.Hour, logging.NewNop()), reject: "bad"},
		Uploader: uploader,
	})
	defer func() { _, _ = reg.StopAll(context.Background(), time.Second) }()

	p.Entry().Enqueue(frame("bad", 1))
	p.Entry().Enqueue(frame("good", 1))
	waitFor(t, 2*time.Second, func() bool { return len(uploader.snapshot()) == 1 })

	if got := uploader.snapshot()[0].Camera; got != "good" {
		t.Fatalf("expected only the good camera uploaded, got %s", got)
	}
	stats := p.Stats()
	if stats[0].Processed != 2 || stats[1].Failed != 1 || stats[1].Processed != 1 || stats[2].Processed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUploadFailuresNotifyOnceAtThreshold(t *testing.T) {
	uploader := &stubUploader{err: services.Wrap(services.ErrTransfer, "test", "upload", "permission denied", nil)}
	notifier := &recordingNotifier{}
	store := openLedger(t)
	p, reg := startPipeline(t, workflow.Options{
		Stages:           testStages(),
		Detector:         capture.PassthroughDetector{},
		Writer:           records.NewCSVWriter(t.TempDir(), time.Hour, logging.NewNop()),
		Uploader:         uploader,
		Ledger:           store,
		Notifier:         notifier,
		FailureThreshold: 2,
	})
	defer func() { _, _ = reg.StopAll(context.Background(), time.Second) }()

	for seq := uint64(1); seq <= 3; seq++ {
		p.Entry().Enqueue(frame("front", seq))
	}
	waitFor(t, 2*time.Second, func() bool { return p.Stats()[2].Failed == 3 })

	if got := notifier.snapshot(); !slices.Equal(got, []notifications.Event{notifications.EventUploadFailures}) {
		t.Fatalf("expected a single upload failure event, got %v", got)
	}
	if notifier.last["camera"] != "front" || notifier.last["failures"] != 2 {
		t.Fatalf("unexpected payload %v", notifier.last)
	}
	if got := p.Uploads()["front"]; got != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", got)
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("ledger stats: %v", err)
	}
	if stats.Failed != 3 || stats.Uploaded != 0 {
		t.Fatalf("unexpected ledger stats %+v", stats)
	}
}

func TestStuckStageIsReportedUnconfirmed(t *testing.T) {
	release := make(chan struct{})
	p, reg := startPipeline(t, workflow.Options{
		Stages:   testStages(),
		Detector: blockingDetector{release: release},
		Writer:   records.NewCSVWriter(t.TempDir(), time.Hour, logging.NewNop()),
		Uploader: &stubUploader{},
	})
	defer close(release)

	p.Entry().Enqueue(frame("front", 1))
	p.Entry().Enqueue(frame("front", 2))
	waitFor(t, time.Second, func() bool { return p.Stats()[0].Depth == 1 })

	report, err := reg.StopAll(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, services.ErrShutdownTimeout) {
		t.Fatalf("expected shutdown timeout, got %v", err)
	}
	if names := report.UnconfirmedNames(); len(names) == 0 || names[0] != workflow.StageCapture {
		t.Fatalf("expected capture first among unconfirmed, got %v", names)
	}
	waitFor(t, time.Second, func() bool { return len(p.StopResults()) == 1 })
	results := p.StopResults()
	if results[0].Clean || results[0].Dropped != 1 || results[0].Pending != 0 {
		t.Fatalf("unexpected stop results %+v", results)
	}
}

func TestHandleDescribesWiring(t *testing.T) {
	p, err := workflow.NewPipeline(workflow.Options{
		Stages:   testStages(),
		Detector: capture.PassthroughDetector{},
		Writer:   records.NewCSVWriter(t.TempDir(), time.Hour, logging.NewNop()),
		Uploader: transfer.NopUploader{},
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	tests := []struct {
		stage string
		next  string
	}{
		{workflow.StageCapture, workflow.StageWriter},
		{workflow.StageWriter, workflow.StageUploader},
		{workflow.StageUploader, ""},
	}
	for _, tt := range tests {
		link, ok := p.Handle(tt.stage)
		if !ok || link.Next != tt.next || link.Capacity == 0 {
			t.Errorf("Handle(%q) = %+v, %v; want next %q", tt.stage, link, ok, tt.next)
		}
	}
	if _, ok := p.Handle("encoder"); ok {
		t.Fatal("expected unknown stage to be missing")
	}
	if p.Entry().Name() != workflow.StageCapture {
		t.Fatalf("expected entry to target capture, got %s", p.Entry().Name())
	}
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := workflow.NewPipeline(workflow.Options{Stages: testStages()}, logging.NewNop())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
