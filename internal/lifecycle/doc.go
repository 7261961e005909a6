// Package lifecycle starts the relay's components in dependency order and
// stops them under one global deadline.
//
// Shutdown stops capture sources first so no new work enters, then drains the
// stages upstream to downstream so in-flight items can reach the terminal
// stage, then monitors and finally the connection pool. Components that do not
// confirm termination in time are reported, not hidden; the caller decides
// whether to force the process down.
package lifecycle
