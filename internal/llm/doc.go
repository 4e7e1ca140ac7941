// Package llm defines the provider-neutral chat contract used by the
// orchestrator: messages, tool definitions and tool calls. Provider
// adapters live in subpackages.
package llm
