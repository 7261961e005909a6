// Package daemon coordinates the long-running camrelay process.
//
// A Daemon holds a flock-based single-instance lock and drives the lifecycle
// registry that owns the connection pool, the health monitor, the pipeline
// stages and the capture sources. Stop runs the registry's deadline-bounded
// shutdown once and keeps the report; partial shutdowns are logged and
// published as notifications.
//
// The optional HTTP API (gin) serves read-only monitoring views, the live log
// stream and a shutdown endpoint, guarded by a bearer token when one is
// configured.
package daemon
