// Package executor turns queued notebook jobs into terminal results.
//
// The engine owns the per-job deadline, the transient-failure retry policy
// and the error taxonomy: a timeout, a hub or lab HTTP failure and an
// unclassified failure each map to a distinct error code, while an
// exception raised by the notebook's own code is a successful execution
// whose result carries the in-cell error. A failure that signals the lab
// pod is gone is surfaced to the worker runtime so it can drain instead of
// feeding more jobs to a dead pod.
package executor
