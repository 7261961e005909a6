// Package connpool manages reusable HTTP sessions per destination host and the
// long-lived streaming reads opened through them.
//
// Every component that talks HTTP (camera sources, the HTTP uploader, health
// probers) shares one Pool. Streams are registered under caller-chosen ids so
// they can be closed from outside the consuming goroutine, swept when stale,
// and torn down in bulk at shutdown before the sessions themselves. All
// counters sit behind a single pool mutex.
package connpool
