// Package session owns durable conversation state: an append-only NDJSON
// event log per session, a manager enforcing the single-writer rule, and a
// SQLite catalog backing non-blocking list snapshots.
//
// Invariants:
// - Record sequence numbers are contiguous from 0; replay fails on a gap or
//   duplicate and the log is never silently repaired.
// - Append is durable (fsync) before it returns.
// - At most one handle is attached per session at any instant.
//
// Usage:
//
//	mgr, _ := session.NewManager(ctx, "/tmp/goose/sessions", []string{"anthropic"})
//	h, _ := mgr.Create(ctx, session.CreateOptions{Provider: "anthropic", Model: "claude-sonnet-4-20250514"})
//	_, _ = h.Append(session.KindMessage, conversation.NewUserMessage("hello"))
//	h.Detach()
package session
