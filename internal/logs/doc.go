// Package logs reads daemon logs for the CLI.
//
// StreamClient queries the daemon's /api/logs endpoint with the same filters
// the server understands. When the API is disabled or unreachable the CLI
// falls back to LastLines and Follow, which read the camrelay.log file
// directly.
package logs
