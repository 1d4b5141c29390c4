package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shawn111/goose/pkg/conversation"
)

// Record kinds, in the order they appear within a turn.
const (
	KindSessionCreated = "session.created"
	KindTurnStarted    = "turn.started"
	KindMessage        = "message"
	KindToolCall       = "tool.call"
	KindToolResult     = "tool.result"
	KindTurnCompleted  = "turn.completed"
)

// Turn completion statuses.
const (
	TurnDone      = "done"
	TurnFailed    = "failed"
	TurnCancelled = "cancelled"
)

// Record is the persisted envelope for one log event. Seq is contiguous
// from 0 within a session.
type Record struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Metadata is the payload of the session.created record (always seq 0).
type Metadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	WorkingDir string    `json:"working_dir"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
}

// TurnStarted marks the beginning of a turn.
type TurnStarted struct {
	TurnID string `json:"turn_id"`
}

// TurnCompleted closes a turn. Once durable the turn is immutable.
type TurnCompleted struct {
	TurnID string             `json:"turn_id"`
	Status string             `json:"status"`
	Usage  conversation.Usage `json:"usage"`
}

func (r Record) decode(kind string, v interface{}) error {
	if r.Kind != kind {
		return fmt.Errorf("record %d is %s, not %s", r.Seq, r.Kind, kind)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", kind, r.Seq, err)
	}
	return nil
}

// DecodeMetadata decodes a session.created payload.
func (r Record) DecodeMetadata() (Metadata, error) {
	var m Metadata
	err := r.decode(KindSessionCreated, &m)
	return m, err
}

// DecodeMessage decodes a message payload.
func (r Record) DecodeMessage() (conversation.Message, error) {
	var m conversation.Message
	err := r.decode(KindMessage, &m)
	return m, err
}

// DecodeToolCall decodes a tool.call payload.
func (r Record) DecodeToolCall() (conversation.ToolCall, error) {
	var c conversation.ToolCall
	err := r.decode(KindToolCall, &c)
	return c, err
}

// DecodeToolResult decodes a tool.result payload.
func (r Record) DecodeToolResult() (conversation.ToolResult, error) {
	var res conversation.ToolResult
	err := r.decode(KindToolResult, &res)
	return res, err
}

// DecodeTurnStarted decodes a turn.started payload.
func (r Record) DecodeTurnStarted() (TurnStarted, error) {
	var t TurnStarted
	err := r.decode(KindTurnStarted, &t)
	return t, err
}

// DecodeTurnCompleted decodes a turn.completed payload.
func (r Record) DecodeTurnCompleted() (TurnCompleted, error) {
	var t TurnCompleted
	err := r.decode(KindTurnCompleted, &t)
	return t, err
}

// State is the in-memory session state folded from the log. The same fold
// runs during replay and after every live append, so a resumed session is
// byte-for-byte the state the writer had.
type State struct {
	Meta     Metadata
	Messages []conversation.Message
	Turns    int
	Usage    conversation.Usage

	// OpenTurn is the id of a turn.started with no turn.completed yet.
	// Non-empty after replay means the previous run stopped mid-turn.
	OpenTurn string

	// NextSeq is the sequence number the next append will receive.
	NextSeq uint64
}

func newState() *State {
	return &State{}
}

func (s *State) apply(rec Record) error {
	switch rec.Kind {
	case KindSessionCreated:
		meta, err := rec.DecodeMetadata()
		if err != nil {
			return err
		}
		s.Meta = meta
	case KindTurnStarted:
		t, err := rec.DecodeTurnStarted()
		if err != nil {
			return err
		}
		s.OpenTurn = t.TurnID
	case KindMessage:
		msg, err := rec.DecodeMessage()
		if err != nil {
			return err
		}
		s.Messages = append(s.Messages, msg)
	case KindToolCall:
		// Dispatch ledger only. The calls already live on the preceding
		// assistant message, so history is not touched here.
		if _, err := rec.DecodeToolCall(); err != nil {
			return err
		}
	case KindToolResult:
		res, err := rec.DecodeToolResult()
		if err != nil {
			return err
		}
		s.Messages = append(s.Messages, conversation.NewToolMessage(res))
	case KindTurnCompleted:
		t, err := rec.DecodeTurnCompleted()
		if err != nil {
			return err
		}
		s.Turns++
		s.Usage.Add(t.Usage)
		s.OpenTurn = ""
	default:
		return fmt.Errorf("unknown record kind %q at seq %d", rec.Kind, rec.Seq)
	}
	s.NextSeq = rec.Seq + 1
	return nil
}

// History returns a copy of the folded message history.
func (s *State) History() []conversation.Message {
	out := make([]conversation.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}
