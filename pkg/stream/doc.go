// Package stream fans session events out to connected clients. A slow or
// disconnected subscriber never blocks the producing state machine: its
// backlog is bounded and on overflow the subscriber is dropped, not the
// publisher.
package stream
