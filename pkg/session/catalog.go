package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Summary is one row of the session catalog.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	TurnCount  int       `json:"turn_count"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	WorkingDir string    `json:"working_dir"`
	Resumable  bool      `json:"resumable"`
}

// Catalog is a SQLite index over the persisted logs. It is a derived cache:
// rebuilt from the log files at startup, updated as turns complete, and
// queried for non-blocking list snapshots.
type Catalog struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	turn_count  INTEGER NOT NULL DEFAULT 0,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL,
	working_dir TEXT NOT NULL,
	resumable   INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// OpenCatalog opens (or creates) the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Clear drops every row. Called before a startup rescan.
func (c *Catalog) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the row for s.ID.
func (c *Catalog) Upsert(ctx context.Context, s Summary) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_at, updated_at, turn_count, provider, model, working_dir, resumable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at,
			turn_count = excluded.turn_count,
			provider = excluded.provider,
			model = excluded.model,
			working_dir = excluded.working_dir,
			resumable = excluded.resumable`,
		s.ID, s.Name, s.CreatedAt, s.UpdatedAt, s.TurnCount, s.Provider, s.Model, s.WorkingDir, boolToInt(s.Resumable))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes the row for id. Deleting an absent row is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns every known session, most recently updated first.
func (c *Catalog) List(ctx context.Context) ([]Summary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at, turn_count, provider, model, working_dir, resumable
		FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var resumable int
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.UpdatedAt, &s.TurnCount, &s.Provider, &s.Model, &s.WorkingDir, &resumable); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.Resumable = resumable != 0
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Latest returns the most recently updated resumable session.
func (c *Catalog) Latest(ctx context.Context) (Summary, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at, turn_count, provider, model, working_dir, resumable
		FROM sessions WHERE resumable = 1 ORDER BY updated_at DESC, id ASC LIMIT 1`)

	var s Summary
	var resumable int
	if err := row.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.UpdatedAt, &s.TurnCount, &s.Provider, &s.Model, &s.WorkingDir, &resumable); err != nil {
		if err == sql.ErrNoRows {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("latest session: %w", err)
	}
	s.Resumable = resumable != 0
	return s, nil
}

// Get returns the row for id.
func (c *Catalog) Get(ctx context.Context, id string) (Summary, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at, turn_count, provider, model, working_dir, resumable
		FROM sessions WHERE id = ?`, id)

	var s Summary
	var resumable int
	if err := row.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.UpdatedAt, &s.TurnCount, &s.Provider, &s.Model, &s.WorkingDir, &resumable); err != nil {
		if err == sql.ErrNoRows {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("get session %s: %w", id, err)
	}
	s.Resumable = resumable != 0
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
