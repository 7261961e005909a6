package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"camrelay/internal/api"
	"camrelay/internal/config"
	"camrelay/internal/logs"
)

type logsOptions struct {
	follow        bool
	lines         int
	camera        string
	component     string
	level         string
	correlationID string
}

func (o logsOptions) filtered() bool {
	return o.camera != "" || o.component != "" || o.level != "" || o.correlationID != ""
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var opts logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		Long: "Display daemon logs from the monitoring API. When the API is disabled " +
			"or unreachable the current log file is read instead; filters need the API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			err = streamLogsFromAPI(cmd, cfg, opts)
			if err == nil || !logs.IsAPIUnavailable(err) {
				return err
			}
			if opts.filtered() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warn: log API unavailable; filters ignored while reading the log file")
			}
			return tailLogFile(cmd, filepath.Join(cfg.Paths.LogDir, "camrelay.log"), opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 20, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&opts.camera, "camera", "", "Only show events for this camera")
	cmd.Flags().StringVar(&opts.component, "component", "", "Only show events from this component")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.correlationID, "correlation-id", "", "Only show events with this correlation id")
	return cmd
}

func streamLogsFromAPI(cmd *cobra.Command, cfg *config.Config, opts logsOptions) error {
	client, err := logs.NewStreamClient(cfg.API.Bind, cfg.API.Token)
	if err != nil {
		return err
	}
	if client == nil {
		return logs.ErrAPIUnavailable
	}

	query := logs.StreamQuery{
		Limit:         opts.lines,
		Tail:          true,
		Camera:        opts.camera,
		Component:     opts.component,
		Level:         opts.level,
		CorrelationID: opts.correlationID,
	}
	if query.Limit <= 0 {
		query.Limit = 1000
	}

	out := cmd.OutOrStdout()
	printed := false
	for {
		resp, err := client.Fetch(cmd.Context(), query)
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		}
		for _, evt := range resp.Events {
			fmt.Fprintln(out, formatLogEvent(evt))
			printed = true
		}
		if !opts.follow {
			if !printed {
				fmt.Fprintln(out, "No log entries available")
			}
			return nil
		}
		query.Since = resp.Next
		query.Limit = 200
		query.Tail = false
		query.Follow = true
	}
}

func tailLogFile(cmd *cobra.Command, path string, opts logsOptions) error {
	out := cmd.OutOrStdout()
	lines, offset, err := logs.LastLines(path, opts.lines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	if !opts.follow {
		if len(lines) == 0 {
			fmt.Fprintln(out, "No log entries available")
		}
		return nil
	}
	return logs.Follow(cmd.Context(), path, offset, 0, func(line string) {
		fmt.Fprintln(out, line)
	})
}

func formatLogEvent(evt api.LogEvent) string {
	var b strings.Builder
	ts := evt.Timestamp
	if len(ts) >= 19 {
		ts = strings.Replace(ts[:19], "T", " ", 1)
	}
	b.WriteString(ts)
	b.WriteByte(' ')
	level := strings.ToUpper(strings.TrimSpace(evt.Level))
	if level == "" {
		level = "INFO"
	}
	fmt.Fprintf(&b, "%-5s", level)
	if component := strings.TrimSpace(evt.Component); component != "" {
		fmt.Fprintf(&b, " [%s]", component)
	}
	if subject := composeSubject(evt.Camera, evt.Stage, evt.Server); subject != "" {
		b.WriteByte(' ')
		b.WriteString(subject)
	}
	if message := strings.TrimSpace(evt.Message); message != "" {
		b.WriteString(" - ")
		b.WriteString(message)
	}
	writeFields(&b, evt.Fields)
	return b.String()
}

func composeSubject(camera, stage, server string) string {
	var parts []string
	if camera != "" {
		parts = append(parts, "camera="+camera)
	}
	if stage != "" {
		parts = append(parts, "stage="+stage)
	}
	if server != "" {
		parts = append(parts, "server="+server)
	}
	return strings.Join(parts, " ")
}

func writeFields(w io.StringWriter, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if strings.TrimSpace(value) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		_, _ = w.WriteString("\n    - " + key + ": " + fields[key])
	}
}
