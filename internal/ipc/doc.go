// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The protocol is small: Status, Stop, Health, Uploads and TestNotification.
// Payloads reuse the api DTOs so the CLI renders IPC and HTTP responses with
// the same code.
package ipc
