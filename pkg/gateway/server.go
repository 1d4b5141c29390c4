package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/pkg/agent"
	"github.com/shawn111/goose/pkg/dispatch"
	"github.com/shawn111/goose/pkg/session"
	"github.com/shawn111/goose/pkg/stream"
)

// RunnerFactory builds a turn runner bound to an attached session handle.
// The daemon supplies one that resolves the session's provider and applies
// the host defaults.
type RunnerFactory func(h *session.Handle) (*agent.Runner, error)

// Config holds gateway server configuration.
type Config struct {
	Addr      string // listen address, defaults to 127.0.0.1:3000
	SecretKey string // empty disables auth

	Version         string
	ConfigFile      string
	LogsDir         string
	DefaultProvider string
	DefaultModel    string

	Manager    *session.Manager
	Dispatcher *dispatch.Dispatcher
	Publisher  *stream.Publisher
	NewRunner  RunnerFactory
	Logger     zerolog.Logger
}

// Server exposes the host over HTTP and WebSocket.
type Server struct {
	addr            string
	secretKey       string
	version         string
	configFile      string
	logsDir         string
	defaultProvider string
	defaultModel    string

	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	publisher  *stream.Publisher
	newRunner  RunnerFactory
	logger     zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.NewRunner == nil {
		return nil, fmt.Errorf("runner factory is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:3000"
	}

	return &Server{
		addr:            cfg.Addr,
		secretKey:       cfg.SecretKey,
		version:         cfg.Version,
		configFile:      cfg.ConfigFile,
		logsDir:         cfg.LogsDir,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		manager:         cfg.Manager,
		dispatcher:      cfg.Dispatcher,
		publisher:       cfg.Publisher,
		newRunner:       cfg.NewRunner,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local daemon, auth is the secret header
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Handler returns the routed HTTP handler. Exposed for tests; Start mounts
// the same handler on the configured address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /info", s.auth(s.handleInfo))
	mux.Handle("GET /sessions/list", s.auth(s.handleSessionsList))
	mux.Handle("POST /sessions/{id}/remove", s.auth(s.handleSessionRemove))
	mux.Handle("GET /sessions/{id}/export", s.auth(s.handleSessionExport))
	mux.Handle("GET /sessions/{id}/run", s.auth(s.handleSessionRun))
	mux.Handle("GET /sessions/{id}/subscribe", s.auth(s.handleSessionSubscribe))
	mux.Handle("GET /tools/list", s.auth(s.handleToolsList))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", handleHealthz)
	return mux
}

// Start binds the listen address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler()}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address. Before Start it is the configured
// address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes open websocket connections and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Closing the sockets unblocks their read pumps, which releases the
	// in-flight handlers Shutdown waits for.
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) track(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// auth enforces the shared secret header. Health and metrics stay open for
// probes and scrapers.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secretKey != "" && !s.secretMatches(r.Header.Get("X-Secret-Key")) {
			if r.Header.Get("Upgrade") != "" {
				w.Header().Set("Connection", "close")
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	})
}

// secretMatches compares digests so the comparison is constant time over
// inputs of any length.
func (s *Server) secretMatches(got string) bool {
	want := sha256.Sum256([]byte(s.secretKey))
	have := sha256.Sum256([]byte(got))
	return subtle.ConstantTimeCompare(want[:], have[:]) == 1
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	body := map[string]string{"error": code}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}
