package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
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
	"camrelay/internal/notifications"
	"camrelay/internal/preflight"
	"camrelay/internal/records"
	"camrelay/internal/transfer"
	"camrelay/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the camrelay daemon and blocks until a signal arrives or the
// daemon is stopped over IPC or HTTP.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("camrelay-%s.log", runID))
	logHub := logging.NewStreamHub(cfg.Logging.StreamEvents)
	logger, err := logging.New(logging.Options{
		Level:       opts.LogLevel,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
		Stream:      logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update camrelay.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "camrelay-*.log", Exclude: []string{logPath}},
	)

	if err := runPreflight(signalCtx, cfg, logger); err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := ledger.Open(cfg.Paths.LedgerPath)
	if err != nil {
		logging.ErrorWithContext(logger, "open upload ledger", "ledger_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.ledger_path permissions"),
		)
		return err
	}
	defer store.Close()
	if days := cfg.Logging.RetentionDays; days > 0 {
		if removed, err := store.Prune(signalCtx, time.Now().AddDate(0, 0, -days)); err != nil {
			logger.Warn("ledger prune failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "ledger_prune_failed"),
				logging.String(logging.FieldErrorHint, "check paths.ledger_path permissions"),
				logging.String(logging.FieldImpact, "old upload rows stay in the ledger"),
			)
		} else if removed > 0 {
			logger.Info("pruned upload ledger", logging.Int64("removed", removed), logging.Int("retention_days", days))
		}
	}

	notifier := notifications.NewService(cfg, logger)
	defer func() { _ = notifications.Close(notifier) }()

	pool := connpool.New(connpool.Options{
		MaxConnsPerHost: cfg.Pool.MaxConnectionsPerHost,
		ConnectTimeout:  cfg.Pool.ConnectTimeoutDuration(),
		ReadTimeout:     cfg.Pool.ReadTimeoutDuration(),
		RequestTimeout:  cfg.Pool.RequestTimeoutDuration(),
		StreamMaxAge:    cfg.Pool.StreamMaxAgeDuration(),
		CleanupInterval: cfg.Pool.CleanupIntervalDuration(),
	}, logger)

	monitor := health.NewMonitor(pool, logger)
	for _, srv := range cfg.Servers {
		if err := monitor.Register(health.Target{
			Name:     srv.Name,
			URL:      srv.URL,
			Interval: srv.IntervalDuration(),
			Timeout:  srv.Timeout(),
		}); err != nil {
			return err
		}
	}
	workflow.NotifyHealthChanges(monitor, notifier, logger)

	pipeline, err := buildPipeline(cfg, pool, store, notifier, logger)
	if err != nil {
		return err
	}
	for _, cam := range cfg.EnabledCameras() {
		var gate capture.Gate
		if cam.Server != "" {
			gate = monitor
		}
		pipeline.AddSource(capture.SourceOptions{
			Camera: cam.Name,
			URL:    cam.URL,
			FPS:    cam.FPS,
			Server: cam.Server,
			Timeouts: connpool.Timeouts{
				Connect: cfg.Pool.ConnectTimeoutDuration(),
				Read:    cfg.Pool.ReadTimeoutDuration(),
			},
			Backoff:    cfg.Workflow.ReconnectBackoffDuration(),
			MaxBackoff: cfg.Workflow.ReconnectMaxDelayDuration(),
		}, pool, gate)
	}

	registry := lifecycle.NewRegistry(logger)
	if err := registry.Register(pool, lifecycle.KindPool); err != nil {
		return err
	}
	if err := registry.Register(monitor, lifecycle.KindMonitor); err != nil {
		return err
	}
	if err := pipeline.Register(registry); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Pool:     pool,
		Monitor:  monitor,
		Pipeline: pipeline,
		Registry: registry,
		Ledger:   store,
		Notifier: notifier,
		LogHub:   logHub,
		LogPath:  logPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check camera, server and transfer configuration"),
		)
		return err
	}

	cameras := make([]string, 0, len(cfg.Cameras))
	for _, cam := range cfg.EnabledCameras() {
		cameras = append(cameras, cam.Name)
	}
	if err := notifier.Publish(signalCtx, notifications.EventDaemonStarted, notifications.Payload{
		"cameras": cameras,
		"pid":     os.Getpid(),
	}); err != nil {
		logger.Warn("daemon start notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldImpact, "operators were not told the daemon started"),
		)
	}

	select {
	case <-signalCtx.Done():
		logger.Info("camrelay daemon shutting down", logging.String("reason", "signal"))
	case <-d.Done():
		logger.Info("camrelay daemon shutting down", logging.String("reason", "stop requested"))
	}

	report, err := d.Stop(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("daemon stop returned error",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_stop_error"),
		)
	}
	logger.Info("camrelay daemon stopped",
		logging.Bool("clean", report.Clean()),
		logging.Duration("elapsed", report.Elapsed),
		logging.Int("unconfirmed", len(report.Unconfirmed)),
	)
	return nil
}

func buildPipeline(cfg *config.Config, pool *connpool.Pool, store *ledger.Store, notifier notifications.Service, logger *slog.Logger) (*workflow.Pipeline, error) {
	var detector capture.Detector = capture.PassthroughDetector{}
	if cfg.Detector.Mode == config.DetectorProcess {
		proc, err := capture.NewProcessDetector(capture.ProcessOptions{
			Command: cfg.Detector.Command,
			Args:    cfg.Detector.Args,
			Timeout: cfg.Detector.Timeout(),
		}, logger)
		if err != nil {
			return nil, err
		}
		detector = proc
	}

	uploader, err := transfer.New(cfg.Transfer, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("configure transfer: %w", err)
	}

	return workflow.NewPipeline(workflow.Options{
		Stages:           cfg.Stages,
		Detector:         detector,
		Writer:           records.NewCSVWriter(cfg.Paths.ArtifactDir, cfg.Records.RotateIntervalDuration(), logger),
		Uploader:         uploader,
		Ledger:           store,
		Notifier:         notifier,
		FailureThreshold: cfg.Notifications.UploadFailures,
	}, logger)
}

func runPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	results := preflight.RunAll(ctx, cfg)
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed", logging.String("check", r.Name), logging.String("detail", r.Detail))
			continue
		}
		logger.Warn("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.Bool("optional", r.Optional),
			logging.String(logging.FieldEventType, "preflight_failed"),
		)
	}
	failed := preflight.Failed(results)
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, r := range failed {
		names = append(names, r.Name)
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "camrelay.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
