// Package auth resolves the tenant of an HTTP request from an HS256 bearer
// token whose sub claim names the tenant. Signature checks are delegated to
// golang-jwt. When no secret is configured the middleware is a no-op and the
// tenant comes from the request body.
package auth
