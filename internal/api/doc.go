// Package api serves the chat endpoints and the operational views of the
// orchestrator over HTTP. Authentication is optional and enabled by handing the
// server a token verifier.
package api
