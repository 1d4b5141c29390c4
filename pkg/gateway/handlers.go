package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shawn111/goose/pkg/conversation"
	"github.com/shawn111/goose/pkg/session"
)

// schemaVersion is the tool protocol revision advertised to clients.
const schemaVersion = "2024-11-05"

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":          s.version,
		"config_file":      s.configFile,
		"sessions_dir":     s.manager.Dir(),
		"logs_dir":         s.logsDir,
		"default_provider": s.defaultProvider,
		"default_model":    s.defaultModel,
		"capabilities": map[string]interface{}{
			"schema_version": schemaVersion,
			"resume":         true,
			"streaming":      true,
			"tools":          s.dispatcher.Names(),
		},
	})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Remove(r.Context(), id)
	switch {
	case err == nil:
		s.publisher.CloseSession(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// handleSessionExport streams the raw log as NDJSON. On corruption the
// stream stops at the corruption point and ends with an export.error
// record; records past a gap are never silently skipped.
func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	w.Header().Set("Content-Type", "application/x-ndjson")
	cw := &countingWriter{w: w}

	err := s.manager.Export(r.Context(), id, cw)
	if err == nil {
		return
	}

	// Nothing streamed yet, so the status code is still ours to set.
	if cw.n == 0 && !errors.Is(err, session.ErrCorrupt) {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	trailer, merr := json.Marshal(map[string]string{
		"kind":  "export.error",
		"error": err.Error(),
	})
	if merr != nil {
		return
	}
	_, _ = w.Write(append(trailer, '\n'))

	s.logger.Warn().
		Err(err).
		Str("session_id", id).
		Int64("bytes", cw.n).
		Msg("Export terminated by log error")
}

func (s *Server) handleToolsList(w http.ResponseWriter, _ *http.Request) {
	specs := s.dispatcher.Specs()
	if specs == nil {
		specs = []conversation.ToolSpec{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": specs})
}

type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
