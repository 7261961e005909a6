// Package stage provides the bounded producer/consumer engine used for every
// step of the relay pipeline.
//
// A Stage owns one FIFO queue and one worker goroutine. Enqueue never blocks:
// a full queue is reported as false and counted as rejected. Results flow to
// the next step through a Next handle carried with each item, so stages never
// reference each other directly. Stop drains what is already queued within a
// caller-supplied timeout and reports whether the worker actually exited.
package stage
