package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"camrelay/internal/api"
	"camrelay/internal/daemonctl"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the camrelay daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := startDaemon(ctx)
			if err != nil {
				return err
			}
			printStartResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	var grace time.Duration
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the camrelay daemon and report what shut down cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			printStopResult(stdout, result, shouldColorize(stdout))
			return nil
		},
	}
	stopCmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "How long to wait for the process to exit before killing it")

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the camrelay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			stopResult, err := daemonctl.StopAndTerminate(ctx.configValue(), 5*time.Second)
			switch {
			case errors.Is(err, daemonctl.ErrDaemonNotRunning):
			case err != nil:
				return err
			default:
				printStopResult(stdout, stopResult, shouldColorize(stdout))
			}
			result, err := startDaemon(ctx)
			if err != nil {
				return err
			}
			printStartResult(stdout, result)
			return nil
		},
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pipeline and upload status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, snapshot.Status)
			}
			stdout := cmd.OutOrStdout()
			renderStatus(stdout, snapshot, shouldColorize(stdout))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func startDaemon(ctx *commandContext) (daemonctl.StartResult, error) {
	exe, err := os.Executable()
	if err != nil {
		return daemonctl.StartResult{}, fmt.Errorf("resolve executable: %w", err)
	}
	opts := daemonctl.LaunchOptions{ConfigPath: ctx.configPath()}
	if ctx.logLevelFlag != nil {
		opts.LogLevel = strings.TrimSpace(*ctx.logLevelFlag)
	}
	return daemonctl.EnsureStarted(ctx.socketPath(), exe, opts, 10*time.Second)
}

func printStartResult(w io.Writer, result daemonctl.StartResult) {
	switch result.State {
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintf(w, "Daemon already running (pid %d)\n", result.PID)
	default:
		fmt.Fprintf(w, "Daemon started (pid %d)\n", result.PID)
	}
}

func printStopResult(w io.Writer, result daemonctl.StopResult, colorize bool) {
	if result.StopAcknowledged {
		renderShutdownReport(w, result.Report, colorize)
	} else {
		fmt.Fprintln(w, "Stop request sent")
	}
	if result.ForcedKill && result.PID > 0 {
		fmt.Fprintf(w, "Daemon process (pid %d) did not exit and was killed\n", result.PID)
	}
	fmt.Fprintln(w, "Daemon stopped")
}

func renderShutdownReport(w io.Writer, report api.ShutdownReport, colorize bool) {
	if report.Clean {
		fmt.Fprintln(w, renderStatusLine("Shutdown", statusOK, fmt.Sprintf("clean in %s", report.Elapsed), colorize))
	} else {
		names := make([]string, 0, len(report.Unconfirmed))
		for _, c := range report.Unconfirmed {
			names = append(names, c.Name)
		}
		detail := fmt.Sprintf("deadline %s passed; unconfirmed: %s", report.Deadline, strings.Join(names, ", "))
		fmt.Fprintln(w, renderStatusLine("Shutdown", statusError, detail, colorize))
	}
	for _, drain := range report.Stages {
		kind := statusOK
		if !drain.Clean {
			kind = statusWarn
		}
		detail := fmt.Sprintf("drained %d, dropped %d, pending %d (%s)", drain.Drained, drain.Dropped, drain.Pending, drain.Elapsed)
		fmt.Fprintln(w, renderStatusLine("Stage "+drain.Name, kind, detail, colorize))
	}
}

func renderStatus(w io.Writer, snapshot daemonctl.Snapshot, colorize bool) {
	status := snapshot.Status

	printSection(w, "Daemon", colorize)
	if status.Running {
		fmt.Fprintln(w, renderStatusLine("camrelay", statusOK, fmt.Sprintf("Running (pid %d, up %s)", status.PID, status.Uptime), colorize))
	} else if snapshot.Reachable {
		fmt.Fprintln(w, renderStatusLine("camrelay", statusWarn, "Stopping", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("camrelay", statusWarn, "Not running (run `camrelay start`)", colorize))
	}
	if status.LogPath != "" {
		fmt.Fprintln(w, renderStatusLine("Log", statusInfo, status.LogPath, colorize))
	}
	fmt.Fprintln(w)

	if len(snapshot.Checks) > 0 {
		printSection(w, "Checks", colorize)
		for _, check := range snapshot.Checks {
			fmt.Fprintln(w, renderStatusLine(check.Name, statusKindFromSeverity(check.Severity()), check.Detail, colorize))
		}
		fmt.Fprintln(w)
	}

	if snapshot.Reachable {
		renderPipeline(w, status, colorize)
	}

	printSection(w, "Uploads", colorize)
	up := status.Uploads
	summary := fmt.Sprintf("%d uploaded, %d failed, %d bytes", up.Uploaded, up.Failed, up.Bytes)
	kind := statusOK
	if up.Failed > 0 {
		kind = statusWarn
	}
	if up.Total == 0 {
		kind = statusInfo
		summary = "No uploads recorded"
	}
	fmt.Fprintln(w, renderStatusLine("Ledger", kind, summary, colorize))
	if up.LastUpload != "" {
		fmt.Fprintln(w, renderStatusLine("Last upload", statusInfo, up.LastUpload, colorize))
	}
	cameras := make([]string, 0, len(up.ConsecutiveFailures))
	for camera := range up.ConsecutiveFailures {
		cameras = append(cameras, camera)
	}
	sort.Strings(cameras)
	for _, camera := range cameras {
		fmt.Fprintln(w, renderStatusLine("Failing "+camera, statusError, fmt.Sprintf("%d consecutive failures", up.ConsecutiveFailures[camera]), colorize))
	}

	if status.LastShutdown != nil {
		fmt.Fprintln(w)
		printSection(w, "Last Shutdown", colorize)
		renderShutdownReport(w, *status.LastShutdown, colorize)
	}
}

func renderPipeline(w io.Writer, status api.DaemonStatus, colorize bool) {
	printSection(w, "Stages", colorize)
	rows := make([][]string, 0, len(status.Stages))
	for _, s := range status.Stages {
		rows = append(rows, []string{
			s.Name,
			dash(s.Next),
			fmt.Sprintf("%d/%d", s.Depth, s.Capacity),
			strconv.FormatInt(s.Processed, 10),
			strconv.FormatInt(s.Failed, 10),
			strconv.FormatInt(s.Rejected, 10),
			strconv.FormatInt(s.HandoffDropped, 10),
		})
	}
	fmt.Fprint(w, renderTable([]string{"Stage", "Next", "Queue", "Processed", "Failed", "Rejected", "Dropped"}, rows, 2, 3, 4, 5, 6))
	fmt.Fprintln(w)

	if len(status.Sources) > 0 {
		printSection(w, "Cameras", colorize)
		rows = rows[:0]
		for _, src := range status.Sources {
			rows = append(rows, []string{
				src.Camera,
				yesNo(src.Connected),
				strconv.FormatUint(src.Enqueued, 10),
				strconv.FormatUint(src.Dropped, 10),
				strconv.FormatUint(src.Gated, 10),
				strconv.FormatUint(src.Reconnects, 10),
				dash(src.LastError),
			})
		}
		fmt.Fprint(w, renderTable([]string{"Camera", "Connected", "Enqueued", "Dropped", "Gated", "Reconnects", "Last Error"}, rows, 2, 3, 4, 5))
		fmt.Fprintln(w)
	}

	if len(status.Servers) > 0 {
		printSection(w, "Servers", colorize)
		for _, srv := range status.Servers {
			detail := humanize(srv.Status)
			if srv.LastError != "" {
				detail += " (" + srv.LastError + ")"
			}
			fmt.Fprintln(w, renderStatusLine(srv.Name, serverKind(srv.Status), detail, colorize))
		}
		fmt.Fprintln(w)
	}

	p := status.Pool
	printSection(w, "Connection Pool", colorize)
	fmt.Fprintln(w, renderStatusLine("Sessions", statusInfo, fmt.Sprintf("%d active, %d streams open", p.ActiveSessions, p.ActiveStreams), colorize))
	poolKind := statusOK
	if p.Errors > 0 {
		poolKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Requests", poolKind, fmt.Sprintf("%d made, %d errors", p.RequestsMade, p.Errors), colorize))
	fmt.Fprintln(w)

	printSection(w, "Components", colorize)
	rows = rows[:0]
	for _, c := range status.Components {
		state := "stopped"
		switch {
		case c.Abandoned:
			state = "abandoned"
		case c.Running:
			state = "running"
		}
		rows = append(rows, []string{c.Name, humanize(c.Kind), state, dash(c.LastError)})
	}
	fmt.Fprint(w, renderTable([]string{"Component", "Kind", "State", "Last Error"}, rows))
	fmt.Fprintln(w)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
