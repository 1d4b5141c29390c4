package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shawn111/goose/pkg/agent"
	"github.com/shawn111/goose/pkg/session"
	"github.com/shawn111/goose/pkg/stream"
)

// handleSessionRun serves the streaming run socket. The client sends
// message, cancel, and ping frames; the server answers with the session
// stream plus connection-local frames. The socket stays open across turns:
// after a turn.done frame the next message frame starts the next turn.
//
// Without a resume parameter a new session is created and the path id is
// only a placeholder; the allocated id arrives in the session.metadata
// frame. resume=true resumes the path id, resume=latest the most recently
// updated resumable session.
func (s *Server) handleSessionRun(w http.ResponseWriter, r *http.Request) {
	// A rejected handshake closes the connection rather than lingering on
	// keep-alive. No effect on the hijacked path.
	w.Header().Set("Connection", "close")

	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}

	h, resumed, ok := s.attachForRun(w, r)
	if !ok {
		return
	}

	runner, err := s.newRunner(h)
	if err != nil {
		h.Detach()
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Detach()
		s.logger.Error().Err(err).Str("session_id", h.ID()).Msg("Failed to upgrade run connection")
		return
	}
	s.track(conn)

	logger := s.logger.With().Str("session_id", h.ID()).Logger()
	logger.Info().Bool("resumed", resumed).Str("remote", r.RemoteAddr).Msg("Run connection opened")

	c := &runConn{
		conn:   conn,
		handle: h,
		runner: runner,
		sub:    s.publisher.Subscribe(h.ID()),
		out:    make(chan Frame, 16),
		done:   make(chan struct{}),
		logger: logger,
	}
	ctx, cancel := context.WithCancel(context.Background())

	// The metadata frame goes out before the write pump starts, so it is
	// always the first frame a client sees.
	if err := writeFrame(conn, metadataFrame(h, resumed)); err != nil {
		logger.Error().Err(err).Msg("Failed to send session metadata")
	} else {
		go c.writePump()
		c.readPump(ctx)
	}

	cancel()
	runner.Cancel()
	c.turns.Wait() // turn goroutines finish before the handle detaches
	close(c.done)
	s.publisher.Unsubscribe(c.sub)
	s.untrack(conn)
	conn.Close()
	h.Detach()
	logger.Info().Msg("Run connection closed")
}

// attachForRun resolves the session handle for a run socket before the
// upgrade, so failures still map to plain HTTP status codes.
func (s *Server) attachForRun(w http.ResponseWriter, r *http.Request) (h *session.Handle, resumed, ok bool) {
	ctx := r.Context()
	q := r.URL.Query()

	switch q.Get("resume") {
	case "true":
		return s.resumeHandle(ctx, w, r.PathValue("id"))
	case "latest":
		latest, err := s.manager.Latest(ctx)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no resumable sessions")
			} else {
				writeError(w, http.StatusInternalServerError, "internal", err.Error())
			}
			return nil, false, false
		}
		return s.resumeHandle(ctx, w, latest.ID)
	case "":
		providerName := q.Get("provider")
		if providerName == "" {
			providerName = s.defaultProvider
		}
		model := q.Get("model")
		if model == "" {
			model = s.defaultModel
		}

		h, err := s.manager.Create(ctx, session.CreateOptions{
			Name:     q.Get("name"),
			Provider: providerName,
			Model:    model,
		})
		if err != nil {
			if errors.Is(err, session.ErrInvalidConfig) {
				writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
			} else {
				writeError(w, http.StatusInternalServerError, "internal", err.Error())
			}
			return nil, false, false
		}
		return h, false, true
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "resume must be true or latest")
		return nil, false, false
	}
}

func (s *Server) resumeHandle(ctx context.Context, w http.ResponseWriter, id string) (*session.Handle, bool, bool) {
	h, err := s.manager.Resume(ctx, id)
	if err == nil {
		return h, true, true
	}

	switch {
	case errors.Is(err, session.ErrCorrupt):
		detail := err.Error()
		var corrupt *session.CorruptError
		if errors.As(err, &corrupt) {
			detail = corrupt.Error()
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "not_resumable",
			"reason": "corrupt",
			"detail": detail,
		})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
	return nil, false, false
}

func metadataFrame(h *session.Handle, resumed bool) Frame {
	meta := h.Meta()
	data := map[string]interface{}{
		"id":          meta.ID,
		"name":        meta.Name,
		"provider":    meta.Provider,
		"model":       meta.Model,
		"working_dir": meta.WorkingDir,
		"created_at":  meta.CreatedAt,
		"turn_count":  h.TurnCount(),
		"resumed":     resumed,
	}
	if wd, err := os.Getwd(); err == nil && wd != meta.WorkingDir {
		data["dir_mismatch"] = true
	}

	return Frame{
		Type:      stream.EventSessionMetadata,
		SessionID: meta.ID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// runConn is the per-socket state of a run connection. One goroutine reads
// client frames, one writes server frames; turns run in their own
// goroutine so cancel frames are handled while a turn is in flight.
type runConn struct {
	conn   *websocket.Conn
	handle *session.Handle
	runner *agent.Runner
	sub    *stream.Subscriber
	out    chan Frame
	done   chan struct{}
	turns  sync.WaitGroup
	logger zerolog.Logger
}

func (c *runConn) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f clientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("Run connection read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case ClientFrameMessage:
			c.submit(ctx, f.Content)
		case ClientFrameCancel:
			c.runner.Cancel()
		case ClientFramePing:
			c.send(Frame{Type: FramePong, Timestamp: time.Now().UnixMilli()})
		default:
			c.sendError("invalid_frame", fmt.Sprintf("unknown frame type %q", f.Type))
		}
	}
}

// submit starts the turn without blocking the read pump, so cancel frames
// still get through while the turn runs. Turn-level failures arrive as
// stream frames; only submission errors are reported here.
func (c *runConn) submit(ctx context.Context, content string) {
	if strings.TrimSpace(content) == "" {
		c.sendError("invalid_frame", "message content is required")
		return
	}

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		if _, err := c.runner.Submit(ctx, content); err != nil {
			if errors.Is(err, agent.ErrTurnInFlight) {
				c.sendError("busy", err.Error())
				return
			}
			c.sendError("io_failure", err.Error())
		}
	}()
}

func (c *runConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				if c.sub.Overflowed() {
					_ = writeFrame(c.conn, overflowFrame(c.sub.SessionID()))
				}
				c.conn.Close()
				return
			}
			if err := writeFrame(c.conn, frameFromEvent(ev)); err != nil {
				return
			}
		case f := <-c.out:
			if err := writeFrame(c.conn, f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// send queues a connection-local frame. The queue never blocks: if the
// writer is gone or saturated the frame is dropped, same policy as the
// publisher.
func (c *runConn) send(f Frame) {
	select {
	case c.out <- f:
	default:
	}
}

func (c *runConn) sendError(kind, message string) {
	c.send(Frame{
		Type:      stream.EventError,
		SessionID: c.handle.ID(),
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]string{"kind": kind, "message": message},
	})
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// handleSessionSubscribe serves a read-only event tap for observers.
// Subscribing does not attach the session; a subscriber may connect before
// any run and sees frames once one publishes. A subscriber that falls too
// far behind is dropped with a final stream.overflow frame.
func (s *Server) handleSessionSubscribe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	id := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to upgrade subscriber connection")
		return
	}
	s.track(conn)

	sub := s.publisher.Subscribe(id)
	logger := s.logger.With().Str("session_id", id).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("Subscriber connection opened")

	// Reader for liveness only: pongs and the eventual close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxFrameBytes)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

loop:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Overflowed() {
					_ = writeFrame(conn, overflowFrame(id))
				}
				break loop
			}
			if err := writeFrame(conn, frameFromEvent(ev)); err != nil {
				break loop
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				break loop
			}
		case <-done:
			break loop
		}
	}

	s.publisher.Unsubscribe(sub)
	s.untrack(conn)
	conn.Close()
	logger.Info().Msg("Subscriber connection closed")
}
