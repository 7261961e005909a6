package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"camrelay/internal/connpool"
	"camrelay/internal/health"
	"camrelay/internal/logging"
	"camrelay/internal/services"
	"camrelay/internal/stage"
)

// Gate reports server health. *health.Monitor satisfies it.
type Gate interface {
	Status(name string) (health.Record, bool)
}

// SourceOptions describes one camera stream.
type SourceOptions struct {
	Camera string
	URL    string
	// FPS caps how many frames per second are forwarded; zero forwards all.
	FPS float64
	// Server gates the camera: while it is UNAVAILABLE no connection is made.
	Server     string
	Timeouts   connpool.Timeouts
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// SourceStats is a snapshot of one camera's counters.
type SourceStats struct {
	Camera     string    `json:"camera"`
	URL        string    `json:"url"`
	Connected  bool      `json:"connected"`
	Received   uint64    `json:"received"`
	Sampled    uint64    `json:"sampled"`
	Enqueued   uint64    `json:"enqueued"`
	Dropped    uint64    `json:"dropped"`
	Gated      uint64    `json:"gated"`
	Reconnects uint64    `json:"reconnects"`
	LastFrame  time.Time `json:"last_frame,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Source reads an MJPEG stream through the pool and hands sampled frames to
// the capture stage. Stream failures reconnect with capped exponential backoff.
type Source struct {
	opts    SourceOptions
	pool    *connpool.Pool
	next    stage.Next[Frame]
	gate    Gate
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	stats  SourceStats
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource builds a source. gate may be nil.
func NewSource(opts SourceOptions, pool *connpool.Pool, next stage.Next[Frame], gate Gate, logger *slog.Logger) *Source {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 30 * opts.Backoff
	}
	limit := rate.Inf
	if opts.FPS > 0 {
		limit = rate.Limit(opts.FPS)
	}
	return &Source{
		opts:    opts,
		pool:    pool,
		next:    next,
		gate:    gate,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.NewComponentLogger(logger, "source").With(logging.String(logging.FieldCamera, opts.Camera)),
		stats:   SourceStats{Camera: opts.Camera, URL: opts.URL},
	}
}

func (s *Source) Name() string { return "source:" + s.opts.Camera }

// Camera returns the camera name.
func (s *Source) Camera() string { return s.opts.Camera }

// Start launches the read loop. Calling Start on a running source is a no-op.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(services.WithCamera(context.WithoutCancel(ctx), s.opts.Camera))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

// Stop cancels the read loop and closes the open stream. It returns
// ErrShutdownTimeout if the loop has not exited when ctx ends.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return services.Wrap(services.ErrShutdownTimeout, "source", "stop", s.opts.Camera, ctx.Err())
	}
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	delay := s.opts.Backoff
	gatedLogged := false
	for {
		if ctx.Err() != nil {
			return
		}
		if s.gated() {
			s.mu.Lock()
			s.stats.Gated++
			s.mu.Unlock()
			if !gatedLogged {
				s.logger.Info("camera paused while server unavailable", logging.String(logging.FieldServer, s.opts.Server))
				gatedLogged = true
			}
			if !sleep(ctx, s.opts.Backoff) {
				return
			}
			continue
		}
		if gatedLogged {
			s.logger.Info("camera resumed", logging.String(logging.FieldServer, s.opts.Server))
			gatedLogged = false
		}

		delivered, err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			delay = s.opts.Backoff
		}
		s.mu.Lock()
		s.stats.Connected = false
		s.stats.Reconnects++
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		logging.WarnWithContext(s.logger, "camera stream interrupted", "stream_interrupted",
			logging.Error(err),
			logging.String("error_kind", services.Kind(err)),
			logging.Duration("retry_in", delay),
			logging.String(logging.FieldErrorHint, "check camera power and network path"),
			logging.String(logging.FieldImpact, "frames from this camera are missed until it reconnects"),
		)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, s.opts.MaxBackoff)
	}
}

func (s *Source) gated() bool {
	if s.gate == nil || s.opts.Server == "" {
		return false
	}
	rec, ok := s.gate.Status(s.opts.Server)
	return ok && rec.Status == health.StatusUnavailable
}

// consume reads one stream connection until it fails. It returns the number of
// frames received and the error that ended the connection.
func (s *Source) consume(ctx context.Context) (uint64, error) {
	id := fmt.Sprintf("%s-%s", s.opts.Camera, uuid.NewString()[:8])
	stream, err := s.pool.OpenStream(ctx, id, s.opts.URL, s.opts.Timeouts)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClose()

	s.mu.Lock()
	s.stats.Connected = true
	s.mu.Unlock()
	s.logger.Debug("camera stream opened", logging.String(logging.FieldStreamID, id), logging.Float64("fps", s.opts.FPS))

	reader := NewFrameReader(stream, stream.Header().Get("Content-Type"))
	var received uint64
	for {
		data, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = services.Wrap(services.ErrConnection, "source", "read", "stream ended", nil)
			}
			return received, err
		}
		received++
		now := time.Now()
		s.mu.Lock()
		s.stats.Received++
		s.stats.LastFrame = now
		s.mu.Unlock()
		if !s.limiter.AllowN(now, 1) {
			continue
		}
		s.forward(data, now)
	}
}

func (s *Source) forward(data []byte, now time.Time) {
	w, h := dimensions(data)
	s.mu.Lock()
	s.seq++
	frame := Frame{Camera: s.opts.Camera, Seq: s.seq, Timestamp: now.UTC(), Data: data, Width: w, Height: h}
	s.stats.Sampled++
	s.mu.Unlock()

	accepted := s.next.Enqueue(frame)

	s.mu.Lock()
	if accepted {
		s.stats.Enqueued++
	} else {
		s.stats.Dropped++
	}
	s.mu.Unlock()
	if !accepted {
		s.logger.Debug("frame dropped by full capture queue", logging.Uint64("seq", frame.Seq), logging.String(logging.FieldStage, s.next.Name()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
