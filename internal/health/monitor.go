package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"camrelay/internal/connpool"
	"camrelay/internal/logging"
	"camrelay/internal/services"
)

// Status is a server's probed availability.
type Status string

const (
	StatusUnknown     Status = "UNKNOWN"
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Target describes a server to probe.
type Target struct {
	Name     string
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Record is the current health of one server.
type Record struct {
	Name                string        `json:"name"`
	URL                 string        `json:"url"`
	Status              Status        `json:"status"`
	LastCheck           time.Time     `json:"last_check,omitzero"`
	LastChange          time.Time     `json:"last_change,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	Interval            time.Duration `json:"interval"`
}

// Listener observes status transitions. It runs on the prober goroutine and
// should return quickly.
type Listener func(name string, oldStatus, newStatus Status)

// Prober performs one bounded request. *connpool.Pool satisfies it.
type Prober interface {
	Get(ctx context.Context, url string, timeout time.Duration) (*connpool.Response, error)
}

type server struct {
	target Target
	record Record
	stop   chan struct{}
	done   chan struct{}
}

// Monitor runs one independent prober goroutine per registered server.
type Monitor struct {
	prober Prober
	logger *slog.Logger

	mu               sync.RWMutex
	servers          map[string]*server
	listeners        []Listener
	serviceListeners map[string][]Listener
	running          bool
	ctx              context.Context
}

// NewMonitor builds a monitor that probes through prober.
func NewMonitor(prober Prober, logger *slog.Logger) *Monitor {
	return &Monitor{
		prober:           prober,
		logger:           logging.NewComponentLogger(logger, "health"),
		servers:          make(map[string]*server),
		serviceListeners: make(map[string][]Listener),
	}
}

// Name identifies the monitor in lifecycle reports.
func (m *Monitor) Name() string { return "health" }

// Register adds a server in the UNKNOWN state. If the monitor is running the
// prober starts immediately.
func (m *Monitor) Register(t Target) error {
	if t.Name == "" || t.URL == "" {
		return services.Wrap(services.ErrValidation, "health", "register", "name and url are required", nil)
	}
	if t.Interval <= 0 {
		t.Interval = 10 * time.Second
	}
	if t.Timeout <= 0 {
		t.Timeout = 1500 * time.Millisecond
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[t.Name]; exists {
		return services.Wrap(services.ErrValidation, "health", "register", fmt.Sprintf("server %q already registered", t.Name), nil)
	}
	srv := &server{
		target: t,
		record: Record{Name: t.Name, URL: t.URL, Status: StatusUnknown, Interval: t.Interval},
	}
	m.servers[t.Name] = srv
	if m.running {
		m.launchLocked(srv)
	}
	return nil
}

// Deregister stops the server's prober and forgets its record.
func (m *Monitor) Deregister(name string) bool {
	m.mu.Lock()
	srv, ok := m.servers[name]
	var stop chan struct{}
	if ok {
		delete(m.servers, name)
		delete(m.serviceListeners, name)
		stop, srv.stop = srv.stop, nil
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if stop != nil {
		close(stop)
		<-srv.done
	}
	return true
}

// AddListener registers fn for every server's transitions.
func (m *Monitor) AddListener(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// AddServiceListener registers fn for transitions of one server only.
func (m *Monitor) AddServiceListener(name string, fn Listener) {
	m.mu.Lock()
	m.serviceListeners[name] = append(m.serviceListeners[name], fn)
	m.mu.Unlock()
}

// Start launches a prober for every registered server.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.ctx = context.WithoutCancel(ctx)
	for _, srv := range m.servers {
		m.launchLocked(srv)
	}
	m.logger.Info("health monitor started", logging.Int("servers", len(m.servers)))
	return nil
}

// Stop signals every prober and waits for them until ctx expires.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	var waiting []*server
	for _, srv := range m.servers {
		if srv.stop != nil {
			close(srv.stop)
			waiting = append(waiting, srv)
			srv.stop = nil
		}
	}
	m.mu.Unlock()

	var stuck []string
	for _, srv := range waiting {
		select {
		case <-srv.done:
		case <-ctx.Done():
			stuck = append(stuck, srv.target.Name)
		}
	}
	if len(stuck) > 0 {
		return services.Wrap(services.ErrShutdownTimeout, "health", "stop", fmt.Sprintf("probers still running: %v", stuck), ctx.Err())
	}
	return nil
}

func (m *Monitor) launchLocked(srv *server) {
	srv.stop = make(chan struct{})
	srv.done = make(chan struct{})
	go m.run(srv, srv.stop, srv.done)
}

func (m *Monitor) run(srv *server, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := services.WithServer(m.ctx, srv.target.Name)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(srv.target.Interval)
	defer ticker.Stop()
	for {
		m.probe(ctx, srv)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, srv *server) {
	resp, err := m.prober.Get(ctx, srv.target.URL, srv.target.Timeout)
	if ctx.Err() != nil {
		return
	}
	if err == nil && !resp.OK() {
		err = services.Wrap(services.ErrConnection, "health", "probe", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	m.apply(srv, err)
}

// apply records one probe outcome and fires listeners on a real transition.
func (m *Monitor) apply(srv *server, probeErr error) {
	now := time.Now()
	next := StatusAvailable
	if probeErr != nil {
		next = StatusUnavailable
	}

	m.mu.Lock()
	if m.servers[srv.target.Name] != srv {
		// Deregistered while the probe was in flight.
		m.mu.Unlock()
		return
	}
	old := srv.record.Status
	srv.record.LastCheck = now
	if probeErr != nil {
		srv.record.ConsecutiveFailures++
		srv.record.LastError = probeErr.Error()
	} else {
		srv.record.ConsecutiveFailures = 0
		srv.record.LastError = ""
	}
	changed := old != next
	if changed {
		srv.record.Status = next
		srv.record.LastChange = now
	}
	var fire []Listener
	if changed {
		fire = append(fire, m.listeners...)
		fire = append(fire, m.serviceListeners[srv.target.Name]...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	logger := m.logger.With(logging.String(logging.FieldServer, srv.target.Name))
	if next == StatusUnavailable {
		logging.WarnWithContext(logger, "server unavailable", "server_unavailable",
			logging.String("previous", string(old)),
			logging.Error(probeErr),
			logging.String(logging.FieldErrorHint, "check that the server is running and reachable"),
			logging.String(logging.FieldImpact, "cameras gated on this server pause"),
		)
	} else {
		logger.Info("server available", logging.String("previous", string(old)))
	}
	for _, fn := range fire {
		m.notify(fn, srv.target.Name, old, next)
	}
}

func (m *Monitor) notify(fn Listener, name string, old, next Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health listener panicked", logging.String(logging.FieldServer, name), logging.Any("panic", r))
		}
	}()
	fn(name, old, next)
}

// IsAvailable reports whether name is currently AVAILABLE.
func (m *Monitor) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[name]
	return ok && srv.record.Status == StatusAvailable
}

// Status returns the record for name.
func (m *Monitor) Status(name string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[name]
	if !ok {
		return Record{}, false
	}
	return srv.record, true
}

// Statuses returns a snapshot of every record ordered by name.
func (m *Monitor) Statuses() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv.record)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
