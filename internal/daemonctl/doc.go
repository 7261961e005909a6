// Package daemonctl drives the daemon process from the CLI: launching it
// detached, stopping it over IPC with a forced kill as the last resort, and
// building the status snapshot shown whether or not a daemon is running.
package daemonctl
