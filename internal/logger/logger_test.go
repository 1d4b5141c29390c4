package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l.Redactor())
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "bogus", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "goosed.log")
		l, err := New(Config{Level: "debug", File: path})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Str("k", "v").Msg("file sink test")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "file sink test")
	})

	t.Run("redaction disabled", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true, Redaction: false})
		require.NoError(t, err)
		defer l.Close()

		assert.Nil(t, l.Redactor())
	})
}

func TestComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goosed.log")
	l, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	child := l.Component("session")
	child.Info().Msg("component tag test")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"session"`)
}
