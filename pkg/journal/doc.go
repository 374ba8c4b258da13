// Package journal persists per-worker job bookkeeping in an embedded
// bolt database: which delivery attempts ran, which results were already
// published, and a bounded history of recent results for diagnostics.
package journal
