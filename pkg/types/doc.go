// Package types defines the job and result types shared by the queue
// consumer, the execution engine, and the worker runtime.
package types
