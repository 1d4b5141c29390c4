// Package dispatch routes model tool calls to their endpoints.
//
// Invoke is logically synchronous and never returns a Go error: every
// outcome, including dispatch failures, is a conversation.ToolResult so
// the turn state machine always makes forward progress. Endpoint failures
// are normalized (unavailable, timeout, invalid_response) and
// endpoint-specific error shapes never leak past this package.
//
// Tools come from endpoints: builtin in-process handlers, JSON-RPC 2.0
// over HTTP, or JSON-RPC 2.0 over a subprocess's stdio. A registry file
// declares the endpoints and is hot-reloaded on change.
package dispatch
