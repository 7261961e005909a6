// Package logging assembles structured slog loggers and formatting helpers used
// across camrelay.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline code can tag log lines with
// camera names, stages, monitored servers, and correlation IDs. StreamHub keeps
// a bounded window of recent events for the daemon API; publishers never block
// on it and the oldest events are discarded once it is full.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// records with the same shape as the rest of the system.
package logging
