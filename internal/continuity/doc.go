// Package continuity implements the continuity ledger: a durable map from
// tenant to the continuation token that lets the agent runtime resume a
// conversation after a restart. The ledger keeps every record in memory and
// writes through to a Backend (JSON file, MySQL or Redis). A missing or
// corrupt store never prevents startup.
package continuity
