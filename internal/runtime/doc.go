// Package runtime defines the contract between the orchestrator and an
// external agent execution runtime. A Connector opens a Conn for one tenant;
// each Dispatch on that Conn yields a finite Stream of tagged Events
// (content, meta, completion, error). Concrete adapters live in the
// claudecli and openai subpackages.
package runtime
