// Package sandbox provisions, reuses and tears down the isolated execution
// environment attached to each tenant. Concurrent Ensure calls for one key
// share a single provisioning attempt. A committed code artifact is mounted
// into every new sandbox; committing a newer artifact marks older Ready
// handles Stale without restarting them.
package sandbox
