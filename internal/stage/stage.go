package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

// ProcessFunc transforms one payload into the value handed to the next stage.
type ProcessFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Next is a handle to whatever consumes a stage's output. Enqueue must not
// block; a false return means the downstream queue refused the value.
type Next[R any] interface {
	Name() string
	Enqueue(R) bool
}

// Config sizes a Stage.
type Config struct {
	Name     string
	Capacity int
	// DequeueWait bounds how long an idle worker waits before refreshing its
	// heartbeat.
	DequeueWait time.Duration
}

// Stats is a snapshot of stage counters.
type Stats struct {
	Name           string    `json:"name"`
	Capacity       int       `json:"capacity"`
	Depth          int       `json:"depth"`
	Queued         int64     `json:"queued"`
	Processed      int64     `json:"processed"`
	Failed         int64     `json:"failed"`
	Rejected       int64     `json:"rejected"`
	HandoffDropped int64     `json:"handoff_dropped"`
	Running        bool      `json:"running"`
	LastBeat       time.Time `json:"last_beat,omitzero"`
}

// StopResult reports how a Stop call ended.
type StopResult struct {
	Name    string        `json:"name"`
	Clean   bool          `json:"clean"`
	Drained int           `json:"drained"`
	Dropped int           `json:"dropped"`
	Pending int           `json:"pending"`
	Elapsed time.Duration `json:"elapsed"`
}

type item[T, R any] struct {
	payload    T
	enqueuedAt time.Time
	next       Next[R]
}

// Stage is a bounded FIFO queue served by a single worker goroutine.
type Stage[T, R any] struct {
	name    string
	cfg     Config
	process ProcessFunc[T, R]
	logger  *slog.Logger
	queue   chan item[T, R]

	mu       sync.Mutex
	started  bool
	stopping bool
	stopCh   chan struct{}
	done     chan struct{}
	deadline atomic.Int64

	queued         atomic.Int64
	processed      atomic.Int64
	failed         atomic.Int64
	rejected       atomic.Int64
	handoffDropped atomic.Int64
	drained        atomic.Int64
	dropped        atomic.Int64
	lastBeat       atomic.Int64
}

// New builds a stage. The worker does not run until Start.
func New[T, R any](cfg Config, process ProcessFunc[T, R], logger *slog.Logger) *Stage[T, R] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "stage"
	}
	return &Stage[T, R]{
		name:    cfg.Name,
		cfg:     cfg,
		process: process,
		logger:  logging.NewComponentLogger(logger, "stage").With(logging.String(logging.FieldStage, cfg.Name)),
		queue:   make(chan item[T, R], cfg.Capacity),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the configured stage name.
func (s *Stage[T, R]) Name() string { return s.name }

// Enqueue offers payload to the stage without blocking. It returns false when
// the queue is full or the stage is stopping. next receives the result when
// processing succeeds and may be nil for terminal stages.
func (s *Stage[T, R]) Enqueue(payload T, next Next[R]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		s.rejected.Add(1)
		return false
	}
	select {
	case s.queue <- item[T, R]{payload: payload, enqueuedAt: time.Now(), next: next}:
		s.queued.Add(1)
		return true
	default:
		s.rejected.Add(1)
		return false
	}
}

// Into returns a handle that enqueues into this stage with next as the
// continuation, so upstream stages can be wired without referencing s directly.
func (s *Stage[T, R]) Into(next Next[R]) Next[T] {
	return handle[T, R]{stage: s, next: next}
}

type handle[T, R any] struct {
	stage *Stage[T, R]
	next  Next[R]
}

func (h handle[T, R]) Name() string { return h.stage.name }

func (h handle[T, R]) Enqueue(payload T) bool { return h.stage.Enqueue(payload, h.next) }

// Start launches the worker. The worker runs until Stop; ctx only supplies
// values such as logging fields.
func (s *Stage[T, R]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopping {
		return services.Wrap(services.ErrValidation, "stage", "start", fmt.Sprintf("stage %s already stopped", s.name), nil)
	}
	s.started = true
	base := services.WithStage(context.WithoutCancel(ctx), s.name)
	s.beat()
	go s.run(base)
	s.logger.Debug("stage worker started", logging.Int("capacity", s.cfg.Capacity))
	return nil
}

// Done is closed once the worker has exited.
func (s *Stage[T, R]) Done() <-chan struct{} { return s.done }

// Stop refuses new items, lets the worker drain what is already queued, and
// waits up to drainTimeout for it to exit. Items still queued when the timeout
// passes are dropped and counted as failed. A result with Clean=false means the
// worker was still busy when Stop returned and must be treated as abandoned.
func (s *Stage[T, R]) Stop(drainTimeout time.Duration) StopResult {
	start := time.Now()
	s.mu.Lock()
	first := !s.stopping
	s.stopping = true
	started := s.started
	if first {
		s.deadline.Store(start.Add(drainTimeout).UnixNano())
		close(s.stopCh)
		if !started {
			close(s.done)
		}
	}
	s.mu.Unlock()

	if !started {
		dropped := s.dropRemaining()
		return StopResult{Name: s.name, Clean: true, Dropped: dropped, Elapsed: time.Since(start)}
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		result := StopResult{
			Name:    s.name,
			Clean:   true,
			Drained: int(s.drained.Load()),
			Dropped: int(s.dropped.Load()),
			Elapsed: time.Since(start),
		}
		s.logger.Info("stage stopped",
			logging.Int("drained", result.Drained),
			logging.Int("dropped", result.Dropped),
			logging.Duration("elapsed", result.Elapsed),
		)
		return result
	case <-timer.C:
		// Queued items are dropped now; the running call may never return.
		s.dropRemaining()
		result := StopResult{
			Name:    s.name,
			Drained: int(s.drained.Load()),
			Dropped: int(s.dropped.Load()),
			Pending: len(s.queue),
			Elapsed: time.Since(start),
		}
		logging.WarnWithContext(s.logger, "stage did not stop before drain timeout", "stage_abandoned",
			logging.Int("dropped", result.Dropped),
			logging.Duration("drain_timeout", drainTimeout),
			logging.String(logging.FieldErrorHint, "a processing call is not honoring its context deadline"),
			logging.String(logging.FieldImpact, "queued items were discarded and the running call is abandoned"),
		)
		return result
	}
}

// Stats returns a snapshot of the counters.
func (s *Stage[T, R]) Stats() Stats {
	s.mu.Lock()
	running := s.started && !s.stopping
	s.mu.Unlock()
	select {
	case <-s.done:
		running = false
	default:
	}
	stats := Stats{
		Name:           s.name,
		Capacity:       s.cfg.Capacity,
		Depth:          len(s.queue),
		Queued:         s.queued.Load(),
		Processed:      s.processed.Load(),
		Failed:         s.failed.Load(),
		Rejected:       s.rejected.Load(),
		HandoffDropped: s.handoffDropped.Load(),
		Running:        running,
	}
	if beat := s.lastBeat.Load(); beat > 0 {
		stats.LastBeat = time.Unix(0, beat)
	}
	return stats
}

func (s *Stage[T, R]) run(ctx context.Context) {
	defer close(s.done)
	idle := time.NewTimer(s.cfg.DequeueWait)
	defer idle.Stop()
	for {
		select {
		case <-s.stopCh:
			s.drain(ctx)
			return
		default:
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.DequeueWait)

		select {
		case it := <-s.queue:
			s.beat()
			s.handle(ctx, it)
		case <-s.stopCh:
			s.drain(ctx)
			return
		case <-idle.C:
			s.beat()
		}
	}
}

func (s *Stage[T, R]) drain(ctx context.Context) {
	deadline := time.Unix(0, s.deadline.Load())
	drainCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for {
		if time.Now().After(deadline) {
			if n := s.dropRemaining(); n > 0 {
				logging.WarnWithContext(s.logger, "drain timeout reached with items queued", "stage_drop",
					logging.Int("dropped", n),
					logging.String(logging.FieldErrorHint, "raise stages.drain_timeout or workflow.shutdown_deadline"),
					logging.String(logging.FieldImpact, "queued items were discarded"),
				)
			}
			return
		}
		select {
		case it := <-s.queue:
			s.drained.Add(1)
			s.handle(drainCtx, it)
		default:
			return
		}
	}
}

func (s *Stage[T, R]) dropRemaining() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			s.failed.Add(int64(n))
			s.dropped.Add(int64(n))
			return n
		}
	}
}

func (s *Stage[T, R]) handle(ctx context.Context, it item[T, R]) {
	result, err := s.invoke(ctx, it.payload)
	if err != nil {
		s.failed.Add(1)
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "stage item failed", "item_failed",
			logging.Error(err),
			logging.String("error_kind", services.Kind(err)),
			logging.Duration("queued_for", time.Since(it.enqueuedAt)),
			logging.String(logging.FieldErrorHint, "inspect the error for the failing collaborator"),
			logging.String(logging.FieldImpact, "this item is not passed downstream"),
		)
		return
	}
	s.processed.Add(1)
	if it.next == nil {
		return
	}
	if !it.next.Enqueue(result) {
		s.handoffDropped.Add(1)
		logging.WarnWithContext(s.logger, "downstream stage refused item", "handoff_dropped",
			logging.String("next", it.next.Name()),
			logging.String(logging.FieldErrorHint, "downstream queue is full or stopping"),
			logging.String(logging.FieldImpact, "the result of this item is discarded"),
		)
	}
}

func (s *Stage[T, R]) invoke(ctx context.Context, payload T) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrProcessing, "stage", s.name, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	result, err = s.process(ctx, payload)
	if err != nil && !isMarked(err) {
		err = services.Wrap(services.ErrProcessing, "stage", s.name, "", err)
	}
	return result, err
}

func (s *Stage[T, R]) beat() {
	s.lastBeat.Store(time.Now().UnixNano())
}

func isMarked(err error) bool {
	return services.Kind(err) != "unknown"
}
