package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"camrelay/internal/api"
	"camrelay/internal/config"
	"camrelay/internal/connpool"
	"camrelay/internal/health"
	"camrelay/internal/ledger"
	"camrelay/internal/lifecycle"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/services"
	"camrelay/internal/workflow"
)

const shutdownNotifyTimeout = 10 * time.Second

// Options supplies the components the daemon coordinates. Ledger, Notifier
// and LogHub may be nil.
type Options struct {
	Config   *config.Config
	Pool     *connpool.Pool
	Monitor  *health.Monitor
	Pipeline *workflow.Pipeline
	Registry *lifecycle.Registry
	Ledger   *ledger.Store
	Notifier notifications.Service
	LogHub   *logging.StreamHub
	LogPath  string
}

// Daemon owns the single-instance lock and drives the lifecycle registry.
// A daemon runs once: after Stop it cannot be started again.
type Daemon struct {
	opts   Options
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	mu        sync.Mutex
	running   bool
	started   bool
	startedAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}
	report   lifecycle.Report
	stopErr  error
}

// New validates the collaborators and prepares the API server when a bind
// address is configured.
func New(opts Options, logger *slog.Logger) (*Daemon, error) {
	if opts.Config == nil || opts.Pool == nil || opts.Monitor == nil || opts.Pipeline == nil || opts.Registry == nil {
		return nil, services.Wrap(services.ErrConfiguration, "daemon", "new", "config, pool, monitor, pipeline and registry are required", nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Multi()
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	lockPath := opts.Config.LockPath()
	d := &Daemon{
		opts:     opts,
		logger:   logger,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		stopped:  make(chan struct{}),
	}
	d.api = newAPIServer(opts.Config.API, d, logger)
	return d, nil
}

// Start acquires the lock, starts every registered component and then the
// API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return services.Wrap(services.ErrValidation, "daemon", "start", "daemon already started", nil)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "daemon", "acquire lock", d.lockPath, err)
	}
	if !ok {
		return services.Wrap(services.ErrConfiguration, "daemon", "acquire lock", "another camrelay daemon instance is already running", nil)
	}

	if err := d.opts.Registry.StartAll(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start components: %w", err)
	}
	if err := d.api.start(); err != nil {
		if _, stopErr := d.opts.Registry.StopAll(context.Background(), d.opts.Config.Workflow.ShutdownDeadlineDuration()); stopErr != nil {
			d.logger.Warn("rollback after api failure left components running", logging.Error(stopErr))
		}
		_ = d.lock.Unlock()
		return err
	}

	d.started = true
	d.running = true
	d.startedAt = time.Now()
	d.logger.Info("camrelay daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.Int("components", len(d.opts.Registry.Records())),
	)
	return nil
}

// Stop stops every component within the configured shutdown deadline and
// releases the lock. Concurrent and repeated calls share the first call's
// report. A partial shutdown returns services.ErrShutdownTimeout.
func (d *Daemon) Stop(ctx context.Context) (lifecycle.Report, error) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return lifecycle.Report{}, nil
	}
	d.stopOnce.Do(func() {
		d.report, d.stopErr = d.shutdown(ctx)
		close(d.stopped)
	})
	return d.report, d.stopErr
}

func (d *Daemon) shutdown(ctx context.Context) (lifecycle.Report, error) {
	deadline := d.opts.Config.Workflow.ShutdownDeadlineDuration()
	d.logger.Info("camrelay daemon stopping", logging.Duration("deadline", deadline))
	report, err := d.opts.Registry.StopAll(ctx, deadline)

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	if unlockErr := d.lock.Unlock(); unlockErr != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(unlockErr),
			logging.String("lock", d.lockPath),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "the next start may report a running instance"),
		)
	}

	if report.Clean() {
		d.logger.Info("camrelay daemon stopped",
			logging.String(logging.FieldEventType, "daemon_stop"),
			logging.Duration("elapsed", report.Elapsed),
			logging.Int("components", len(report.Stopped)),
		)
		return report, err
	}

	names := report.UnconfirmedNames()
	logging.ErrorWithContext(d.logger, "shutdown incomplete", "shutdown_partial",
		logging.Error(err),
		logging.String("unconfirmed", strings.Join(names, ", ")),
		logging.Duration("elapsed", report.Elapsed),
		logging.String(logging.FieldErrorHint, "check the listed components for blocked collaborators"),
		logging.String(logging.FieldImpact, "queued items in unconfirmed stages were not processed"),
	)
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownNotifyTimeout)
	defer cancel()
	if pubErr := d.opts.Notifier.Publish(notifyCtx, notifications.EventShutdownPartial, notifications.Payload{
		"unconfirmed": names,
		"elapsed":     report.Elapsed.String(),
	}); pubErr != nil {
		d.logger.Warn("shutdown notification failed", logging.Error(pubErr))
	}
	return report, err
}

// stopBudget bounds how long Stop can take: the shutdown deadline plus the
// partial-shutdown notification.
func (d *Daemon) stopBudget() time.Duration {
	return d.opts.Config.Workflow.ShutdownDeadlineDuration() + shutdownNotifyTimeout
}

// Done is closed once Stop has finished.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// Close stops the daemon if needed and shuts the API server down.
func (d *Daemon) Close() error {
	_, err := d.Stop(context.Background())
	d.api.stop()
	return err
}

// Running reports whether components are running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// LogStream returns the in-memory log hub, nil when not configured.
func (d *Daemon) LogStream() *logging.StreamHub { return d.opts.LogHub }

// Status returns a snapshot of every component.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	d.mu.Lock()
	running, startedAt := d.running, d.startedAt
	d.mu.Unlock()

	status := api.DaemonStatus{
		Running:      running,
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		LogPath:      d.opts.LogPath,
		Pool:         api.FromPoolStats(d.opts.Pool.Stats(), d.opts.Pool.Streams()),
		Stages:       d.Stages(),
		Servers:      d.Health(),
	}
	if running {
		status.StartedAt = startedAt.UTC().Format(time.RFC3339)
		status.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	for _, src := range d.opts.Pipeline.Sources() {
		status.Sources = append(status.Sources, api.FromSourceStats(src))
	}
	for _, rec := range d.opts.Registry.Records() {
		status.Components = append(status.Components, api.FromLifecycleRecord(rec))
	}

	var ledgerStats ledger.Stats
	if d.opts.Ledger != nil {
		status.LedgerPath = d.opts.Ledger.Path()
		stats, err := d.opts.Ledger.Stats(ctx)
		if err != nil {
			d.logger.Debug("ledger stats unavailable", logging.Error(err))
		}
		ledgerStats = stats
	}
	status.Uploads = api.FromUploadStats(ledgerStats, d.opts.Pipeline.Uploads())

	select {
	case <-d.stopped:
		report := api.FromReport(d.report, d.opts.Pipeline.StopResults())
		status.LastShutdown = &report
	default:
	}
	return status
}

// Stages returns stage counters in data-flow order with their handoff targets.
func (d *Daemon) Stages() []api.StageStatus {
	stats := d.opts.Pipeline.Stats()
	out := make([]api.StageStatus, 0, len(stats))
	for _, st := range stats {
		link, _ := d.opts.Pipeline.Handle(st.Name)
		out = append(out, api.FromStageStats(st, link.Next))
	}
	return out
}

// Health returns every monitored server's snapshot.
func (d *Daemon) Health() []api.ServerStatus {
	return api.FromHealthRecords(d.opts.Monitor.Statuses())
}

// RecentUploads lists ledger rows newest first, optionally for one camera.
func (d *Daemon) RecentUploads(ctx context.Context, camera string, limit int) ([]api.Upload, error) {
	if d.opts.Ledger == nil {
		return nil, services.Wrap(services.ErrNotFound, "daemon", "recent uploads", "upload ledger unavailable", nil)
	}
	rows, err := d.opts.Ledger.Recent(ctx, camera, limit)
	if err != nil {
		return nil, err
	}
	out := make([]api.Upload, 0, len(rows))
	for _, row := range rows {
		out = append(out, api.FromUpload(row))
	}
	return out, nil
}

// TestNotification publishes a test event through the configured sinks.
func (d *Daemon) TestNotification(ctx context.Context) error {
	return d.opts.Notifier.Publish(ctx, notifications.EventTest, notifications.Payload{"pid": os.Getpid()})
}

// ShutdownReport converts a stop result for transport.
func (d *Daemon) ShutdownReport(report lifecycle.Report) api.ShutdownReport {
	return api.FromReport(report, d.opts.Pipeline.StopResults())
}
