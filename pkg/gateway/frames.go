package gateway

import (
	"time"

	"github.com/shawn111/goose/pkg/stream"
)

// Websocket keepalive and write deadlines.
const (
	writeWait  = 10 * time.Second
	pongWait   = 54 * time.Second
	pingPeriod = 30 * time.Second

	maxFrameBytes = 1 << 20
)

// Client frame types accepted on a run socket.
const (
	ClientFrameMessage = "message"
	ClientFrameCancel  = "cancel"
	ClientFramePing    = "ping"
)

// FramePong answers a client ping frame.
const FramePong = "pong"

// Frame is one server-to-client message on a run or subscribe socket.
// Frames forwarded from the session stream carry the publisher's
// per-session seq; connection-local frames (session.metadata, pong) carry
// none.
type Frame struct {
	Type      string      `json:"type"`
	Seq       int64       `json:"seq,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// clientFrame is one client-to-server message on a run socket.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func frameFromEvent(ev stream.Event) Frame {
	return Frame{
		Type:      ev.Type,
		Seq:       ev.Seq,
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

func overflowFrame(sessionID string) Frame {
	return Frame{
		Type:      stream.EventOverflow,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]string{"reason": "subscriber backlog overflow"},
	}
}
