// Package api defines wire-format types and converters shared by the daemon's
// HTTP API, the IPC layer and the CLI.
//
// DTOs use camelCase JSON tags and render timestamps as RFC3339 with
// milliseconds; zero times are omitted. Durations are rendered with
// time.Duration's String form so the CLI can print them without conversion.
//
// Converters take internal snapshots (connpool.Stats, stage.Stats,
// health.Record, lifecycle.Report, ledger.Upload, logging.LogEvent) and never
// hold references to live components.
package api
