package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"serve", "--help"})
		// --help leaves the flag set on the shared serveCmd; clear it so
		// later Execute calls do not short-circuit to help output.
		defer func() { _ = serveCmd.Flags().Set("help", "false") }()

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "agent host")
	})

	t.Run("flags", func(t *testing.T) {
		hostFlag := serveCmd.Flags().Lookup("host")
		require.NotNil(t, hostFlag)
		assert.Equal(t, "", hostFlag.DefValue)

		portFlag := serveCmd.Flags().Lookup("port")
		require.NotNil(t, portFlag)
		assert.Equal(t, "0", portFlag.DefValue)
	})
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("providers:\n  default: bogus\n"), 0o644))

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"serve", "--config", cfgPath})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	defer func() { cfgFile = "" }()

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestServeRejectsUnreadableConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server: [not a map"), 0o644))

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"serve", "--config", cfgPath})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	defer func() { cfgFile = "" }()

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
