// Package worker is the runtime that ties the module together: it claims
// an identity from the catalog, establishes that identity's lab session,
// processes queued notebook jobs with bounded concurrency, and keeps the
// session and the identity lease alive. Losing either is fatal; the
// runtime drains in-flight jobs within a grace period and stops so the
// orchestrator can start a fresh replica.
package worker
