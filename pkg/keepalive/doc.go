// Package keepalive defeats the hub's idle culler by periodically running
// a trivial snippet on the worker's lab session. A session whose probes
// stop succeeding after bounded retries is declared lost, which tells the
// worker runtime to drain and restart rather than keep accepting jobs for
// a pod that will never answer.
package keepalive
