package workflow

import (
	"context"
	"log/slog"
	"sync"

	"camrelay/internal/capture"
	"camrelay/internal/config"
	"camrelay/internal/connpool"
	"camrelay/internal/ledger"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/records"
	"camrelay/internal/services"
	"camrelay/internal/stage"
	"camrelay/internal/transfer"
)

// Stage names, also used as lifecycle component names.
const (
	StageCapture  = "capture"
	StageWriter   = "writer"
	StageUploader = "uploader"
)

// UploadRecorder persists upload attempts. *ledger.Store satisfies it.
type UploadRecorder interface {
	Record(ctx context.Context, u ledger.Upload) (int64, error)
}

// Options supplies the pipeline's collaborators. Ledger and Notifier may be nil.
type Options struct {
	Stages           config.Stages
	Detector         capture.Detector
	Writer           records.Writer
	Uploader         transfer.Uploader
	Ledger           UploadRecorder
	Notifier         notifications.Service
	FailureThreshold int
}

// Link describes how one stage hands its output on.
type Link struct {
	Stage    string `json:"stage"`
	Capacity int    `json:"capacity"`
	Next     string `json:"next,omitempty"`
}

// Pipeline chains the capture, writer and uploader stages. Stages never
// reference each other; each item carries the handle of the stage that
// receives its result.
type Pipeline struct {
	opts   Options
	logger *slog.Logger

	capture  *stage.Stage[capture.Frame, records.Detection]
	writer   *stage.Stage[records.Detection, records.Artifact]
	uploader *stage.Stage[records.Artifact, transfer.Receipt]
	entry    stage.Next[capture.Frame]
	links    map[string]Link
	uploads  *uploadTracker

	mu      sync.Mutex
	sources []*capture.Source
	results map[string]stage.StopResult
}

// NewPipeline builds the three stages and wires them. Nothing runs until the
// stages are started, usually through Register and a lifecycle.Registry.
func NewPipeline(opts Options, logger *slog.Logger) (*Pipeline, error) {
	if opts.Detector == nil || opts.Writer == nil || opts.Uploader == nil {
		return nil, services.Wrap(services.ErrConfiguration, "workflow", "new pipeline", "detector, writer and uploader are required", nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Multi()
	}
	logger = logging.NewComponentLogger(logger, "workflow")

	p := &Pipeline{
		opts:    opts,
		logger:  logger,
		results: make(map[string]stage.StopResult),
	}
	p.uploads = &uploadTracker{
		uploader:  opts.Uploader,
		ledger:    opts.Ledger,
		notifier:  opts.Notifier,
		threshold: opts.FailureThreshold,
		failures:  make(map[string]int),
		logger:    logger,
	}

	wait := opts.Stages.DequeueWait()
	p.capture = stage.New(stage.Config{Name: StageCapture, Capacity: opts.Stages.CaptureCapacity, DequeueWait: wait},
		opts.Detector.Detect, logger)
	p.writer = stage.New(stage.Config{Name: StageWriter, Capacity: opts.Stages.WriterCapacity, DequeueWait: wait},
		opts.Writer.ProduceArtifact, logger)
	p.uploader = stage.New(stage.Config{Name: StageUploader, Capacity: opts.Stages.UploaderCapacity, DequeueWait: wait},
		p.uploads.process, logger)

	toUploader := p.uploader.Into(nil)
	toWriter := p.writer.Into(toUploader)
	p.entry = p.capture.Into(toWriter)

	p.links = map[string]Link{
		StageCapture:  {Stage: StageCapture, Capacity: p.capture.Stats().Capacity, Next: toWriter.Name()},
		StageWriter:   {Stage: StageWriter, Capacity: p.writer.Stats().Capacity, Next: toUploader.Name()},
		StageUploader: {Stage: StageUploader, Capacity: p.uploader.Stats().Capacity},
	}
	return p, nil
}

// Entry is the handle capture sources enqueue frames into.
func (p *Pipeline) Entry() stage.Next[capture.Frame] { return p.entry }

// Handle reports how the named stage is wired.
func (p *Pipeline) Handle(name string) (Link, bool) {
	link, ok := p.links[name]
	return link, ok
}

// Stats returns per-stage counters in data-flow order.
func (p *Pipeline) Stats() []stage.Stats {
	return []stage.Stats{p.capture.Stats(), p.writer.Stats(), p.uploader.Stats()}
}

// AddSource creates a capture source feeding this pipeline.
func (p *Pipeline) AddSource(opts capture.SourceOptions, pool *connpool.Pool, gate capture.Gate) *capture.Source {
	src := capture.NewSource(opts, pool, p.entry, gate, p.logger)
	p.mu.Lock()
	p.sources = append(p.sources, src)
	p.mu.Unlock()
	return src
}

// Sources returns a snapshot of every capture source's counters.
func (p *Pipeline) Sources() []capture.SourceStats {
	p.mu.Lock()
	sources := append([]*capture.Source(nil), p.sources...)
	p.mu.Unlock()
	stats := make([]capture.SourceStats, 0, len(sources))
	for _, src := range sources {
		stats = append(stats, src.Stats())
	}
	return stats
}

// Uploads reports per-camera consecutive upload failures.
func (p *Pipeline) Uploads() map[string]int { return p.uploads.snapshot() }

// StopResults returns the outcome of each stage's last Stop.
func (p *Pipeline) StopResults() []stage.StopResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stage.StopResult, 0, len(p.results))
	for _, name := range []string{StageCapture, StageWriter, StageUploader} {
		if r, ok := p.results[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) recordStop(r stage.StopResult) {
	p.mu.Lock()
	p.results[r.Name] = r
	p.mu.Unlock()
}
