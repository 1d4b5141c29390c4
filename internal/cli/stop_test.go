package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "SIGTERM")
	})

	t.Run("timeout flag default", func(t *testing.T) {
		flag := stopCmd.Flags().Lookup("timeout")
		require.NotNil(t, flag)
		assert.Equal(t, "30", flag.DefValue)
	})

	t.Run("no PID file is not an error", func(t *testing.T) {
		dataDir := t.TempDir()
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("data_dir: "+dataDir+"\n"), 0o644))

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--config", configPath})
		cmd.SetOut(&bytes.Buffer{})
		defer func() { cfgFile = "" }()

		err := cmd.Execute()
		assert.NoError(t, err)
	})
}

func TestReadPIDFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "goosed.pid")
		require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))

		pid, err := readPIDFile(path)
		require.NoError(t, err)
		assert.Equal(t, 12345, pid)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "goosed.pid")
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

		_, err := readPIDFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid PID file")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := readPIDFile(filepath.Join(t.TempDir(), "goosed.pid"))
		require.Error(t, err)
		assert.True(t, os.IsNotExist(err))
	})
}
