package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
)

// Manager owns the sessions directory, the attach registry, and the catalog.
// The registry starts empty on every boot; persisted sessions are discovered
// by scanning the directory into the catalog.
type Manager struct {
	dir       string
	providers map[string]bool
	catalog   *Catalog

	mu       sync.Mutex
	attached map[string]*Handle
}

// CreateOptions configures a new session. Provider and Model are required;
// Name defaults to a timestamp and WorkingDir to the process working dir.
type CreateOptions struct {
	Name       string
	WorkingDir string
	Provider   string
	Model      string
}

// NewManager opens the sessions directory, rebuilds the catalog from the
// logs on disk, and returns a manager with an empty attach registry.
func NewManager(ctx context.Context, dir string, providers []string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	catalog, err := OpenCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:       dir,
		providers: make(map[string]bool, len(providers)),
		catalog:   catalog,
		attached:  make(map[string]*Handle),
	}
	for _, p := range providers {
		m.providers[p] = true
	}

	if err := m.rebuildCatalog(ctx); err != nil {
		catalog.Close()
		return nil, err
	}
	return m, nil
}

// Dir returns the sessions directory.
func (m *Manager) Dir() string { return m.dir }

// Close releases every attached handle and the catalog. In-memory state is
// discarded; the logs on disk are the durable record.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, h := range m.attached {
		if h != nil && h.log != nil {
			h.log.Close()
		}
		delete(m.attached, id)
	}
	m.mu.Unlock()

	observability.SetActiveSessions(0)
	return m.catalog.Close()
}

// Create allocates a session id, writes the session.created record durably,
// and returns an attached handle. Fails with ErrInvalidConfig on an unknown
// provider or empty model.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	if !m.providers[opts.Provider] {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, opts.Provider)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	name := opts.Name
	if name == "" {
		name = time.Now().Format("20060102_150405")
	}
	if err := validateSessionName(name); err != nil {
		return nil, err
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working dir: %w", err)
		}
		workingDir = wd
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	if err := m.reserve(id); err != nil {
		return nil, err
	}

	eventLog, err := CreateLog(m.logPath(id))
	if err != nil {
		m.release(id)
		return nil, err
	}

	meta := Metadata{
		ID:         id,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		WorkingDir: workingDir,
		Provider:   opts.Provider,
		Model:      opts.Model,
	}

	rec, err := eventLog.Append(KindSessionCreated, meta)
	if err != nil {
		eventLog.Close()
		os.Remove(m.logPath(id))
		m.release(id)
		return nil, err
	}

	state := newState()
	if err := state.apply(rec); err != nil {
		eventLog.Close()
		os.Remove(m.logPath(id))
		m.release(id)
		return nil, err
	}

	h := &Handle{mgr: m, log: eventLog, state: state}
	m.commit(id, h)

	if err := m.catalog.Upsert(ctx, h.Summary()); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to index new session")
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_id", id).
		Str("session_name", name).
		Str("provider", opts.Provider).
		Str("model", opts.Model).
		Msg("Session created")
	observability.RecordSessionAudit(ctx, id, "create", "ok", map[string]interface{}{
		"provider": opts.Provider,
		"model":    opts.Model,
	})

	return h, nil
}

// Resume replays the persisted log into memory and returns an attached
// handle. Fails with ErrNotFound for an unknown id, ErrConflict while
// another handle is attached, and ErrCorrupt when replay detects a gap or
// duplicate. A corrupt log is never repaired.
func (m *Manager) Resume(ctx context.Context, id string) (*Handle, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	if err := m.reserve(id); err != nil {
		return nil, err
	}

	start := time.Now()
	eventLog, err := OpenLog(m.logPath(id))
	if err != nil {
		m.release(id)
		return nil, err
	}

	state := newState()
	if err := eventLog.Replay(state.apply); err != nil {
		eventLog.Close()
		m.release(id)
		if errors.Is(err, ErrCorrupt) {
			m.markNotResumable(ctx, id)
		}
		return nil, err
	}
	if state.Meta.ID == "" {
		eventLog.Close()
		m.release(id)
		m.markNotResumable(ctx, id)
		return nil, &CorruptError{Path: m.logPath(id), Reason: "missing session metadata"}
	}
	if state.Meta.ID != id {
		eventLog.Close()
		m.release(id)
		m.markNotResumable(ctx, id)
		return nil, &CorruptError{Path: m.logPath(id), Reason: fmt.Sprintf("metadata id %q does not match log name", state.Meta.ID)}
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if wd, err := os.Getwd(); err == nil && state.Meta.WorkingDir != wd {
		logger.Warn().
			Str("session_id", id).
			Str("recorded_dir", state.Meta.WorkingDir).
			Str("current_dir", wd).
			Msg("Session was created in a different working directory")
	}

	h := &Handle{mgr: m, log: eventLog, state: state}
	m.commit(id, h)

	observability.RecordSessionReplay(time.Since(start))
	logger.Info().
		Str("session_id", id).
		Int("turns", state.Turns).
		Int("messages", len(state.Messages)).
		Msg("Session resumed")
	observability.RecordSessionAudit(ctx, id, "resume", "ok", map[string]interface{}{
		"turns": state.Turns,
	})

	return h, nil
}

// List returns a catalog snapshot without touching attached handles.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	return m.catalog.List(ctx)
}

// Latest returns the most recently updated resumable session.
func (m *Manager) Latest(ctx context.Context) (Summary, error) {
	return m.catalog.Latest(ctx)
}

// Remove deletes the persisted log irreversibly. Fails with ErrConflict
// while a handle is attached and ErrNotFound for an unknown id.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	m.mu.Lock()
	_, attached := m.attached[id]
	m.mu.Unlock()
	if attached {
		return fmt.Errorf("remove %s: %w", id, ErrConflict)
	}

	if err := os.Remove(m.logPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("remove %s: %w", id, err)
	}

	if err := m.catalog.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to drop session from catalog")
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_id", id).
		Msg("Session removed")
	observability.RecordSessionAudit(ctx, id, "remove", "ok", nil)
	return nil
}

// Export streams the raw persisted records to w in order. It is safe to run
// against an attached session: the read is bounded to the bytes durable at
// the time of the call. On a corrupt log every record before the corruption
// point is written, then ErrCorrupt is returned.
func (m *Manager) Export(ctx context.Context, id string, w io.Writer) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	limit := int64(-1)
	m.mu.Lock()
	h := m.attached[id]
	m.mu.Unlock()
	if h != nil && h.log != nil {
		size, err := h.log.Size()
		if err != nil {
			return err
		}
		limit = size
	}

	return exportTo(m.logPath(id), limit, w)
}

// Attached reports whether a handle is currently attached for id.
func (m *Manager) Attached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[id]
	return ok
}

func (m *Manager) logPath(id string) string {
	return filepath.Join(m.dir, id+logExt)
}

// reserve claims the single-writer slot before any disk work happens, so a
// concurrent Resume observes ErrConflict for the whole attach window.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[id]; ok {
		return fmt.Errorf("attach %s: %w", id, ErrConflict)
	}
	m.attached[id] = nil
	return nil
}

func (m *Manager) commit(id string, h *Handle) {
	m.mu.Lock()
	m.attached[id] = h
	n := len(m.attached)
	m.mu.Unlock()
	observability.SetActiveSessions(n)
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.attached, id)
	n := len(m.attached)
	m.mu.Unlock()
	observability.SetActiveSessions(n)
}

func (m *Manager) detach(id string) {
	m.mu.Lock()
	h, ok := m.attached[id]
	delete(m.attached, id)
	n := len(m.attached)
	m.mu.Unlock()
	if !ok {
		return
	}
	if h != nil && h.log != nil {
		h.log.Close()
	}
	observability.SetActiveSessions(n)
	log.Debug().Str("session_id", id).Msg("Session detached")
}

func (m *Manager) markNotResumable(ctx context.Context, id string) {
	sum, err := m.catalog.Get(ctx, id)
	if err != nil {
		return
	}
	sum.Resumable = false
	if err := m.catalog.Upsert(ctx, sum); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to flag session as not resumable")
	}
}

// rebuildCatalog rescans the sessions directory into a fresh catalog.
// Archived logs are skipped; malformed logs are listed but flagged not
// resumable rather than hidden.
func (m *Manager) rebuildCatalog(ctx context.Context) error {
	if err := m.catalog.Clear(ctx); err != nil {
		return err
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scan sessions dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logExt) || strings.HasPrefix(name, archivedPrefix) {
			continue
		}
		id := strings.TrimSuffix(name, logExt)
		sum := m.summarize(id)
		if err := m.catalog.Upsert(ctx, sum); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to index session during rescan")
			continue
		}
		count++
	}

	log.Info().Int("sessions", count).Str("dir", m.dir).Msg("Session catalog rebuilt")
	return nil
}

func (m *Manager) summarize(id string) Summary {
	path := m.logPath(id)
	state := newState()
	_, replayErr := replayFile(path, state.apply)

	sum := Summary{
		ID:         id,
		Name:       state.Meta.Name,
		CreatedAt:  state.Meta.CreatedAt,
		TurnCount:  state.Turns,
		Provider:   state.Meta.Provider,
		Model:      state.Meta.Model,
		WorkingDir: state.Meta.WorkingDir,
		Resumable:  replayErr == nil && state.Meta.ID == id,
	}
	if sum.Name == "" {
		sum.Name = id
	}

	if info, err := os.Stat(path); err == nil {
		sum.UpdatedAt = info.ModTime().UTC()
		if sum.CreatedAt.IsZero() {
			sum.CreatedAt = sum.UpdatedAt
		}
	}
	if replayErr != nil {
		log.Warn().Err(replayErr).Str("session_id", id).Msg("Session log is not resumable")
	}
	return sum
}

// Handle is the attached, single-writer view of one session. All appends go
// through it so the in-memory state and the log never diverge.
type Handle struct {
	mgr  *Manager
	log  *EventLog
	once sync.Once

	mu    sync.RWMutex
	state *State
}

// ID returns the session id.
func (h *Handle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Meta.ID
}

// Meta returns the session metadata from the session.created record.
func (h *Handle) Meta() Metadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Meta
}

// History returns a copy of the folded message history.
func (h *Handle) History() []conversation.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.History()
}

// TurnCount returns the number of completed turns.
func (h *Handle) TurnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Turns
}

// Usage returns cumulative token usage across completed turns.
func (h *Handle) Usage() conversation.Usage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Usage
}

// OpenTurn returns the id of an interrupted turn left open by a previous
// run, or empty.
func (h *Handle) OpenTurn() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.OpenTurn
}

// Append writes a record durably and folds it into the in-memory state.
// Completing a turn also refreshes the catalog row.
func (h *Handle) Append(kind string, payload interface{}) (Record, error) {
	rec, err := h.log.Append(kind, payload)
	if err != nil {
		return rec, err
	}

	h.mu.Lock()
	applyErr := h.state.apply(rec)
	h.mu.Unlock()
	if applyErr != nil {
		return rec, applyErr
	}

	if rec.Kind == KindTurnCompleted {
		if err := h.mgr.catalog.Upsert(context.Background(), h.Summary()); err != nil {
			log.Warn().Err(err).Str("session_id", h.ID()).Msg("Failed to refresh session catalog")
		}
	}
	return rec, nil
}

// Summary builds the catalog row for the current state.
func (h *Handle) Summary() Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Summary{
		ID:         h.state.Meta.ID,
		Name:       h.state.Meta.Name,
		CreatedAt:  h.state.Meta.CreatedAt,
		UpdatedAt:  time.Now().UTC(),
		TurnCount:  h.state.Turns,
		Provider:   h.state.Meta.Provider,
		Model:      h.state.Meta.Model,
		WorkingDir: h.state.Meta.WorkingDir,
		Resumable:  true,
	}
}

// Detach releases the single-writer slot. Idempotent.
func (h *Handle) Detach() {
	h.once.Do(func() {
		h.mgr.detach(h.ID())
	})
}

const maxNameBytes = 200

func validateSessionName(name string) error {
	if len(name) > maxNameBytes {
		return fmt.Errorf("%w: session name exceeds %d bytes", ErrInvalidConfig, maxNameBytes)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: session name must not contain control characters", ErrInvalidConfig)
		}
	}
	return nil
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidConfig)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: session id must not contain '..'", ErrInvalidConfig)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: session id must not contain path separators", ErrInvalidConfig)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: session id must not contain null bytes", ErrInvalidConfig)
	}
	return nil
}
