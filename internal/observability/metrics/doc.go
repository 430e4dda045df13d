// Package metrics exposes Prometheus instruments for sessions, sandboxes,
// the continuity ledger and the HTTP surface.
package metrics
