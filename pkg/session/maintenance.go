package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/internal/observability"
)

const DefaultMaxIdle = 7 * 24 * time.Hour

// Maintainer archives idle session logs on a cron schedule. Archived logs
// keep their content under an archived_ prefix but drop out of discovery,
// list, and resume.
type Maintainer struct {
	manager  *Manager
	schedule cron.Schedule
	maxIdle  time.Duration
	stopCh   chan struct{}
	running  bool
}

// NewMaintainer parses a five-field cron expression and returns a stopped
// maintainer.
func NewMaintainer(m *Manager, expr string, maxIdle time.Duration) (*Maintainer, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}

	return &Maintainer{
		manager:  m,
		schedule: sched,
		maxIdle:  maxIdle,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (mt *Maintainer) Start() error {
	if mt.running {
		return fmt.Errorf("maintainer is already running")
	}
	mt.running = true
	go mt.run()

	log.Info().
		Dur("max_idle", mt.maxIdle).
		Time("next_sweep", mt.schedule.Next(time.Now())).
		Msg("Session retention sweep started")
	return nil
}

// Stop halts the sweep loop.
func (mt *Maintainer) Stop() error {
	if !mt.running {
		return fmt.Errorf("maintainer is not running")
	}
	close(mt.stopCh)
	mt.running = false

	log.Info().Msg("Session retention sweep stopped")
	return nil
}

// IsRunning reports whether the sweep loop is active.
func (mt *Maintainer) IsRunning() bool {
	return mt.running
}

func (mt *Maintainer) run() {
	for {
		now := time.Now()
		timer := time.NewTimer(mt.schedule.Next(now).Sub(now))
		select {
		case <-timer.C:
			if _, err := mt.SweepNow(context.Background()); err != nil {
				log.Error().Err(err).Msg("Retention sweep failed")
			}
		case <-mt.stopCh:
			timer.Stop()
			return
		}
	}
}

// SweepNow archives every non-attached session idle beyond maxIdle and
// returns how many logs were archived.
func (mt *Maintainer) SweepNow(ctx context.Context) (int, error) {
	return mt.manager.archiveIdle(ctx, mt.maxIdle)
}

func (m *Manager) archiveIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("scan sessions dir: %w", err)
	}

	now := time.Now()
	archived := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logExt) || strings.HasPrefix(name, archivedPrefix) {
			continue
		}
		id := strings.TrimSuffix(name, logExt)

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxIdle {
			continue
		}

		if err := m.archive(ctx, id); err != nil {
			if !errors.Is(err, ErrConflict) {
				log.Error().Err(err).Str("session_id", id).Msg("Failed to archive session")
			}
			continue
		}
		archived++
	}

	if archived > 0 {
		log.Info().Int("archived", archived).Msg("Archived idle sessions")
	}
	return archived, nil
}

// archive renames the log under the archived_ prefix. The rename happens
// under the registry lock so an in-flight attach cannot race it.
func (m *Manager) archive(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.attached[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("archive %s: %w", id, ErrConflict)
	}
	err := os.Rename(m.logPath(id), filepath.Join(m.dir, archivedPrefix+id+logExt))
	m.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("archive %s: %w", id, err)
	}

	if err := m.catalog.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to drop archived session from catalog")
	}

	log.Info().Str("session_id", id).Msg("Session archived")
	observability.RecordSessionAudit(ctx, id, "archive", "ok", nil)
	return nil
}
