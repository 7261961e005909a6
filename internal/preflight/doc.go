// Package preflight checks the filesystem paths and network endpoints camrelay
// depends on.
//
// The daemon runs RunAll once at startup and refuses to start when a required
// check fails. Camera, server, and upload endpoints are optional: they are
// reported but the daemon still starts, since sources reconnect and the health
// monitor gates capture while a server is down. The CLI uses the same checks
// for `camrelay config validate` and for offline `camrelay status` output.
package preflight
