// Package testsupport builds configurations and wired daemons for tests that
// sit above the daemon package (IPC and CLI).
package testsupport
