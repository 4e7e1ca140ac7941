// Package api exposes the HTTP surface of the trading agent: chat, direct
// function dispatch, session history and agent management. Routes are
// served by chi and optionally guarded by bearer tokens.
package api
