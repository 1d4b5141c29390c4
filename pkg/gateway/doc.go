// Package gateway exposes the agent host over HTTP and WebSocket: session
// catalog and export endpoints, tool listing, and the streaming run socket
// that drives turns against an attached session.
//
// The run socket owns its session handle for the life of the connection.
// Observers use the subscribe socket instead, a read-only tap on the
// session's event stream that never attaches.
package gateway
