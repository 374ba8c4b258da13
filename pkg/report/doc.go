// Package report posts best-effort diagnostics messages to an operator
// webhook.
package report
