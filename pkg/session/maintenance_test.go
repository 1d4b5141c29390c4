package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMaintainer_RejectsBadSchedule(t *testing.T) {
	m, _ := setupTestManager(t)

	_, err := NewMaintainer(m, "not a cron expr", time.Hour)
	assert.Error(t, err)

	mt, err := NewMaintainer(m, "0 3 * * *", time.Hour)
	require.NoError(t, err)
	assert.False(t, mt.IsRunning())
}

func TestMaintainer_SweepArchivesIdleSessions(t *testing.T) {
	m, dir := setupTestManager(t)

	h := createTestSession(t, m)
	id := h.ID()
	appendTestTurn(t, h, "turn-1", "q", "a")
	h.Detach()

	// Age the log past the idle threshold.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, id+logExt), old, old))

	mt, err := NewMaintainer(m, "0 3 * * *", 24*time.Hour)
	require.NoError(t, err)

	archived, err := mt.SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	// The log survives under the archived_ prefix.
	_, err = os.Stat(filepath.Join(dir, archivedPrefix+id+logExt))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, id+logExt))
	assert.True(t, os.IsNotExist(err))

	// Archived sessions are gone from list and resume.
	list, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.Resume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaintainer_SweepSkipsRecentAndAttached(t *testing.T) {
	m, dir := setupTestManager(t)

	attached := createTestSession(t, m)
	defer attached.Detach()
	attachedID := attached.ID()

	recent := createTestSession(t, m)
	recentID := recent.ID()
	recent.Detach()

	// Even an old mtime must not archive an attached session.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, attachedID+logExt), old, old))

	mt, err := NewMaintainer(m, "0 3 * * *", 24*time.Hour)
	require.NoError(t, err)

	archived, err := mt.SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, archived)

	_, err = os.Stat(filepath.Join(dir, attachedID+logExt))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, recentID+logExt))
	assert.NoError(t, err)
}

func TestMaintainer_ArchivedLogsExcludedFromRescan(t *testing.T) {
	m, dir := setupTestManager(t)

	h := createTestSession(t, m)
	id := h.ID()
	h.Detach()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, id+logExt), old, old))

	mt, err := NewMaintainer(m, "0 3 * * *", 24*time.Hour)
	require.NoError(t, err)
	_, err = mt.SweepNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	fresh, err := NewManager(context.Background(), dir, testProviders)
	require.NoError(t, err)
	defer fresh.Close()

	list, err := fresh.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMaintainer_StartStop(t *testing.T) {
	m, _ := setupTestManager(t)

	mt, err := NewMaintainer(m, "0 3 * * *", time.Hour)
	require.NoError(t, err)

	require.NoError(t, mt.Start())
	assert.True(t, mt.IsRunning())
	assert.Error(t, mt.Start())

	require.NoError(t, mt.Stop())
	assert.False(t, mt.IsRunning())
	assert.Error(t, mt.Stop())
}
