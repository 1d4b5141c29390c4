// Package agent drives the conversation state machine for one attached
// session. A Runner turns submitted user messages into provider generations
// and tool dispatches, persists every step through the session log, and fans
// progress out on the event stream.
//
// A Runner owns a single session and runs one turn at a time: Submit blocks
// until the session is back at AwaitingInput, Cancel aborts the in-flight
// turn from another goroutine. Turn-level failures (overflow, exhausted
// retries, tool errors) are data on the stream and in the log; Submit only
// returns a Go error when the log itself stops accepting appends.
package agent
