// Package health probes remote dependencies on a fixed interval and tracks
// each one as UNKNOWN, AVAILABLE, or UNAVAILABLE.
//
// Every server gets its own prober goroutine bounded by its own timeout, so a
// stalled endpoint never delays another. Listeners fire once per real status
// change; repeated identical results are silent.
package health
