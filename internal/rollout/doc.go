// Package rollout distributes new code artifacts to the sandbox pool. A
// publisher hashes an artifact directory and puts a Notice on a queue
// (in-memory, Redis list or RabbitMQ); the Watcher consumes notices, reloads
// the artifact from its source and commits it through Pool.RefreshArtifact.
package rollout
