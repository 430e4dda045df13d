// Package redis opens go-redis clients shared by the Redis-backed continuity
// ledger and the artifact rollout queue.
package redis
