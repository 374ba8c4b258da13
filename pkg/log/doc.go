// Package log provides structured logging for the worker using zerolog.
//
// The package wraps zerolog behind a global logger initialized once at
// startup via Init. Child loggers carry worker-scoped context fields
// (worker_id, identity) so that every log line from a long-lived worker
// can be correlated with the identity it claimed. Components derive their
// own child loggers from the one they are handed.
package log
