package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

// Component is anything the registry starts and stops. Stop receives a
// context whose deadline is the remainder of the global shutdown budget.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Kind groups components for ordering.
type Kind string

const (
	KindPool    Kind = "pool"
	KindStage   Kind = "stage"
	KindMonitor Kind = "monitor"
	KindSource  Kind = "source"
	KindAux     Kind = "aux"
)

// startRank orders kinds at startup. Stop walks a fixed sequence instead; see
// stopSequence.
var startRank = map[Kind]int{
	KindPool:    0,
	KindStage:   1,
	KindMonitor: 2,
	KindAux:     3,
	KindSource:  4,
}

// Option adjusts a registration.
type Option func(*entry)

// WithDrainRank sets a stage's position in the shutdown drain. Lower ranks
// drain first, so upstream stages should use lower numbers than the stages they
// feed.
func WithDrainRank(rank int) Option {
	return func(e *entry) { e.drainRank = rank }
}

// Record describes one registered component.
type Record struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	Abandoned bool      `json:"abandoned"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	component Component
	kind      Kind
	seq       int
	drainRank int
	record    Record
}

// Registry owns startup and shutdown ordering.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	names   map[string]*entry
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logging.NewComponentLogger(logger, "lifecycle"),
		names:  make(map[string]*entry),
	}
}

// Register adds c under its name. Start order is pool, stages in registration
// order, monitors, auxiliary services, then sources.
func (r *Registry) Register(c Component, kind Kind, opts ...Option) error {
	if _, ok := startRank[kind]; !ok {
		return services.Wrap(services.ErrValidation, "lifecycle", "register", fmt.Sprintf("unknown kind %q", kind), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, exists := r.names[name]; exists {
		return services.Wrap(services.ErrValidation, "lifecycle", "register", fmt.Sprintf("component %q already registered", name), nil)
	}
	e := &entry{component: c, kind: kind, seq: len(r.entries), record: Record{Name: name, Kind: kind}}
	for _, opt := range opts {
		opt(e)
	}
	r.entries = append(r.entries, e)
	r.names[name] = e
	return nil
}

// StartAll starts every component that is not already running, in start order.
// On failure the components started by this call are stopped in reverse and
// the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []*entry
	for _, e := range r.startOrder() {
		if r.isRunning(e) {
			continue
		}
		if err := r.start(ctx, e); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				r.stopOne(ctx, started[i])
			}
			return err
		}
		started = append(started, e)
	}
	return nil
}

// Start starts a single registered component, typically a source brought up
// on demand.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.names[name]
	r.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrNotFound, "lifecycle", "start", name, nil)
	}
	if r.isRunning(e) {
		return nil
	}
	return r.start(ctx, e)
}

func (r *Registry) start(ctx context.Context, e *entry) error {
	if err := e.component.Start(ctx); err != nil {
		r.mu.Lock()
		e.record.LastError = err.Error()
		r.mu.Unlock()
		return services.Wrap(services.ErrConfiguration, "lifecycle", "start", e.record.Name, err)
	}
	r.mu.Lock()
	e.record.Running = true
	e.record.StartedAt = time.Now()
	e.record.StoppedAt = time.Time{}
	e.record.Abandoned = false
	e.record.LastError = ""
	r.mu.Unlock()
	r.logger.Debug("component started", logging.String("name", e.record.Name), logging.String("kind", string(e.kind)))
	return nil
}

// Outcome is one component's part of a shutdown.
type Outcome struct {
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Report summarizes StopAll.
type Report struct {
	Deadline    time.Duration `json:"deadline"`
	Elapsed     time.Duration `json:"elapsed"`
	Stopped     []Outcome     `json:"stopped"`
	Unconfirmed []Outcome     `json:"unconfirmed"`
}

// Clean reports whether every component confirmed termination.
func (r Report) Clean() bool { return len(r.Unconfirmed) == 0 }

// UnconfirmedNames lists the components that did not confirm termination.
func (r Report) UnconfirmedNames() []string {
	out := make([]string, 0, len(r.Unconfirmed))
	for _, o := range r.Unconfirmed {
		out = append(out, o.Name)
	}
	return out
}

// StopAll stops running components within deadline: sources first, then
// stages in drain order, monitors, auxiliary services, and the pool last. It
// never exits the process; a partial result is returned with an error wrapping
// services.ErrShutdownTimeout and the caller decides what to do next.
func (r *Registry) StopAll(ctx context.Context, deadline time.Duration) (Report, error) {
	start := time.Now()
	stopCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	report := Report{Deadline: deadline}
	for _, e := range r.stopSequence() {
		if !r.isRunning(e) {
			continue
		}
		if stopCtx.Err() != nil {
			r.markAbandoned(e, "deadline exceeded before stop was attempted")
			report.Unconfirmed = append(report.Unconfirmed, Outcome{Name: e.record.Name, Kind: e.kind, Error: "not attempted: deadline exceeded"})
			continue
		}
		outcome, ok := r.stopOne(stopCtx, e)
		if ok {
			report.Stopped = append(report.Stopped, outcome)
		} else {
			report.Unconfirmed = append(report.Unconfirmed, outcome)
		}
	}
	report.Elapsed = time.Since(start)

	if report.Clean() {
		r.logger.Info("all components stopped",
			logging.Int("stopped", len(report.Stopped)),
			logging.Duration("elapsed", report.Elapsed),
		)
		return report, nil
	}
	names := strings.Join(report.UnconfirmedNames(), ", ")
	logging.WarnWithContext(r.logger, "partial shutdown", "shutdown_partial",
		logging.String("unconfirmed", names),
		logging.Duration("deadline", deadline),
		logging.Duration("elapsed", report.Elapsed),
		logging.String(logging.FieldErrorHint, "raise workflow.shutdown_deadline or inspect the listed components"),
		logging.String(logging.FieldImpact, "listed components may still hold sockets or queued work"),
	)
	return report, services.Wrap(services.ErrShutdownTimeout, "lifecycle", "stop all", "unconfirmed: "+names, nil)
}

// stopOne runs Stop in its own goroutine so a component that ignores its
// context cannot hold the registry past the deadline.
func (r *Registry) stopOne(ctx context.Context, e *entry) (Outcome, bool) {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic during stop: %v", rec)
			}
		}()
		done <- e.component.Stop(ctx)
	}()

	outcome := Outcome{Name: e.record.Name, Kind: e.kind}
	select {
	case err := <-done:
		outcome.Elapsed = time.Since(start)
		if err != nil {
			outcome.Error = err.Error()
			r.markAbandoned(e, err.Error())
			return outcome, false
		}
		r.mu.Lock()
		e.record.Running = false
		e.record.StoppedAt = time.Now()
		r.mu.Unlock()
		r.logger.Debug("component stopped",
			logging.String("name", e.record.Name),
			logging.Duration("elapsed", outcome.Elapsed),
		)
		return outcome, true
	case <-ctx.Done():
		outcome.Elapsed = time.Since(start)
		outcome.Error = "did not confirm termination before deadline"
		r.markAbandoned(e, outcome.Error)
		return outcome, false
	}
}

func (r *Registry) markAbandoned(e *entry, reason string) {
	r.mu.Lock()
	e.record.Abandoned = true
	e.record.LastError = reason
	r.mu.Unlock()
}

func (r *Registry) isRunning(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.record.Running && !e.record.Abandoned
}

func (r *Registry) startOrder() []*entry {
	r.mu.Lock()
	out := append([]*entry(nil), r.entries...)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return startRank[out[i].kind] < startRank[out[j].kind]
	})
	return out
}

func (r *Registry) stopSequence() []*entry {
	r.mu.Lock()
	all := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	byKind := func(kind Kind) []*entry {
		var out []*entry
		for _, e := range all {
			if e.kind == kind {
				out = append(out, e)
			}
		}
		return out
	}
	reversed := func(in []*entry) []*entry {
		for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
			in[i], in[j] = in[j], in[i]
		}
		return in
	}

	stages := byKind(KindStage)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].drainRank < stages[j].drainRank })

	var seq []*entry
	seq = append(seq, reversed(byKind(KindSource))...)
	seq = append(seq, stages...)
	seq = append(seq, reversed(byKind(KindMonitor))...)
	seq = append(seq, reversed(byKind(KindAux))...)
	seq = append(seq, reversed(byKind(KindPool))...)
	return seq
}

// Records returns a snapshot of every registration in start order.
func (r *Registry) Records() []Record {
	order := r.startOrder()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(order))
	for _, e := range order {
		out = append(out, e.record)
	}
	return out
}
