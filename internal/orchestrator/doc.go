// Package orchestrator answers "handle one message for one tenant". It
// resolves the tenant's live session and sandbox, picks the continuity token,
// dispatches the message to the agent runtime, folds the streamed events into
// a reply and records the new token. Errors whose code is degradable
// (connection and dispatch failures) become a degraded reply; the rest, such
// as sandbox provisioning failures, are returned as errors. A dispatch that
// loses its session to a concurrent eviction retries once on a fresh session.
package orchestrator
