// Package session keeps exactly one live agent runtime connection per
// tenant. Creation is serialized per tenant; unrelated tenants never share a
// lock. Evicted sessions are marked so that callers still holding a
// reference get ErrSessionEvicted instead of reusing a closed connection.
package session
