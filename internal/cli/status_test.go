package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "/info")
	})

	t.Run("stopped host is not an error", func(t *testing.T) {
		// Nothing listens on port 1
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--addr", "127.0.0.1:1"})
		cmd.SetOut(&bytes.Buffer{})
		defer func() { hostAddr = "" }()

		err := cmd.Execute()
		assert.NoError(t, err)
	})

	t.Run("running host", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/info", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"1.2.3","default_provider":"anthropic","default_model":"m"}`))
		}))
		defer ts.Close()

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--addr", strings.TrimPrefix(ts.URL, "http://")})
		cmd.SetOut(&bytes.Buffer{})
		defer func() { hostAddr = "" }()

		err := cmd.Execute()
		assert.NoError(t, err)
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
