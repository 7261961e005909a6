// Command camrelay runs and controls the camera relay daemon.
//
// `camrelay start` launches the daemon detached; `camrelay daemon` runs it in
// the foreground for service managers. The remaining commands talk to a
// running daemon over its Unix socket, falling back to on-disk state where
// that makes sense (status, logs, test-notify).
package main
