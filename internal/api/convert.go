package api

import (
	"time"

	"camrelay/internal/capture"
	"camrelay/internal/connpool"
	"camrelay/internal/health"
	"camrelay/internal/ledger"
	"camrelay/internal/lifecycle"
	"camrelay/internal/logging"
	"camrelay/internal/stage"
)

// FromPoolStats converts pool counters and open streams.
func FromPoolStats(stats connpool.Stats, streams []connpool.StreamInfo) PoolStatus {
	out := PoolStatus{
		RequestsMade:      stats.RequestsMade,
		StreamsOpened:     stats.StreamsOpened,
		StreamsClosed:     stats.StreamsClosed,
		ConnectionsClosed: stats.ConnectionsClosed,
		Errors:            stats.Errors,
		ActiveSessions:    stats.ActiveSessions,
		ActiveStreams:     stats.ActiveStreams,
		Streams:           make([]StreamStatus, 0, len(streams)),
	}
	for _, s := range streams {
		out.Streams = append(out.Streams, StreamStatus{ID: s.ID, URL: s.URL, OpenedAt: formatTime(s.OpenedAt)})
	}
	return out
}

// FromStageStats converts one stage's counters. next names the stage that
// receives its results, empty for the last stage.
func FromStageStats(s stage.Stats, next string) StageStatus {
	return StageStatus{
		Name:           s.Name,
		Next:           next,
		Capacity:       s.Capacity,
		Depth:          s.Depth,
		Queued:         s.Queued,
		Processed:      s.Processed,
		Failed:         s.Failed,
		Rejected:       s.Rejected,
		HandoffDropped: s.HandoffDropped,
		Running:        s.Running,
		LastBeat:       formatTime(s.LastBeat),
	}
}

// FromSourceStats converts capture source counters.
func FromSourceStats(s capture.SourceStats) SourceStatus {
	return SourceStatus{
		Camera:     s.Camera,
		URL:        s.URL,
		Connected:  s.Connected,
		Received:   s.Received,
		Sampled:    s.Sampled,
		Enqueued:   s.Enqueued,
		Dropped:    s.Dropped,
		Gated:      s.Gated,
		Reconnects: s.Reconnects,
		LastFrame:  formatTime(s.LastFrame),
		LastError:  s.LastError,
	}
}

// FromHealthRecord converts a health snapshot.
func FromHealthRecord(r health.Record) ServerStatus {
	return ServerStatus{
		Name:                r.Name,
		URL:                 r.URL,
		Status:              string(r.Status),
		LastCheck:           formatTime(r.LastCheck),
		LastChange:          formatTime(r.LastChange),
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		Interval:            r.Interval.String(),
	}
}

// FromHealthRecords converts every snapshot, preserving order.
func FromHealthRecords(records []health.Record) []ServerStatus {
	out := make([]ServerStatus, 0, len(records))
	for _, r := range records {
		out = append(out, FromHealthRecord(r))
	}
	return out
}

// FromLifecycleRecord converts a registry entry.
func FromLifecycleRecord(r lifecycle.Record) ComponentStatus {
	return ComponentStatus{
		Name:      r.Name,
		Kind:      string(r.Kind),
		Running:   r.Running,
		Abandoned: r.Abandoned,
		StartedAt: formatTime(r.StartedAt),
		StoppedAt: formatTime(r.StoppedAt),
		LastError: r.LastError,
	}
}

// FromUpload converts a ledger row.
func FromUpload(u ledger.Upload) Upload {
	return Upload{
		ID:             u.ID,
		Camera:         u.Camera,
		LocalPath:      u.LocalPath,
		RemotePath:     u.RemotePath,
		Bytes:          u.Bytes,
		Rows:           u.Rows,
		Status:         string(u.Status),
		Error:          u.Error,
		DurationMillis: u.Duration.Milliseconds(),
		UploadedAt:     formatTime(u.UploadedAt),
	}
}

// FromUploadStats merges ledger totals with per-camera failure streaks.
// Cameras whose streak is zero are omitted.
func FromUploadStats(stats ledger.Stats, streaks map[string]int) UploadSummary {
	out := UploadSummary{
		Total:      stats.Total,
		Uploaded:   stats.Uploaded,
		Failed:     stats.Failed,
		Bytes:      stats.Bytes,
		LastUpload: formatTime(stats.LastUpload),
	}
	for camera, n := range streaks {
		if n == 0 {
			continue
		}
		if out.ConsecutiveFailures == nil {
			out.ConsecutiveFailures = make(map[string]int)
		}
		out.ConsecutiveFailures[camera] = n
	}
	return out
}

// FromReport converts a shutdown report together with the stages' drain
// results.
func FromReport(report lifecycle.Report, drains []stage.StopResult) ShutdownReport {
	out := ShutdownReport{
		Clean:       report.Clean(),
		Deadline:    report.Deadline.String(),
		Elapsed:     report.Elapsed.Round(time.Millisecond).String(),
		Stopped:     fromOutcomes(report.Stopped),
		Unconfirmed: fromOutcomes(report.Unconfirmed),
	}
	for _, d := range drains {
		out.Stages = append(out.Stages, StageDrain{
			Name:    d.Name,
			Clean:   d.Clean,
			Drained: d.Drained,
			Dropped: d.Dropped,
			Pending: d.Pending,
			Elapsed: d.Elapsed.Round(time.Millisecond).String(),
		})
	}
	return out
}

func fromOutcomes(outcomes []lifecycle.Outcome) []ComponentOutcome {
	out := make([]ComponentOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, ComponentOutcome{
			Name:    o.Name,
			Kind:    string(o.Kind),
			Elapsed: o.Elapsed.Round(time.Millisecond).String(),
			Error:   o.Error,
		})
	}
	return out
}

// FromLogEvents converts hub events for the log stream endpoint.
func FromLogEvents(events []logging.LogEvent) []LogEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]LogEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, LogEvent{
			Sequence:      evt.Sequence,
			Timestamp:     formatTime(evt.Timestamp),
			Level:         evt.Level,
			Message:       evt.Message,
			Component:     evt.Component,
			Stage:         evt.Stage,
			Camera:        evt.Camera,
			Server:        evt.Server,
			CorrelationID: evt.CorrelationID,
			Fields:        evt.Fields,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
