// Package orchestrator turns a natural-language message into model
// completions and routed function calls. It owns the tool-calling loop and
// records the user and assistant turns of each exchange.
package orchestrator
