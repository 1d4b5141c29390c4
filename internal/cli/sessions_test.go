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

	"github.com/shawn111/goose/pkg/session"
)

func TestSessionsCommand(t *testing.T) {
	t.Run("subcommands registered", func(t *testing.T) {
		names := make(map[string]bool)
		for _, sub := range sessionsCmd.Commands() {
			names[sub.Name()] = true
		}

		assert.True(t, names["list"], "list subcommand should exist")
		assert.True(t, names["remove"], "remove subcommand should exist")
	})

	t.Run("remove requires a session id", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"sessions", "remove"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "accepts 1 arg")
	})

	t.Run("list against running host", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/sessions/list", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"sessions":[]}`))
		}))
		defer ts.Close()

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"sessions", "list", "--addr", strings.TrimPrefix(ts.URL, "http://")})
		cmd.SetOut(&bytes.Buffer{})
		defer func() { hostAddr = "" }()

		err := cmd.Execute()
		assert.NoError(t, err)
	})

	t.Run("remove against stopped host", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"sessions", "remove", "sess-1", "--addr", "127.0.0.1:1"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		defer func() { hostAddr = "" }()

		err := cmd.Execute()
		assert.Error(t, err)
	})
}

func TestRenderSessions(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		output := &bytes.Buffer{}
		renderSessions(output, nil)

		assert.Equal(t, "No sessions\n", output.String())
	})

	t.Run("rows", func(t *testing.T) {
		updated := time.Date(2026, 8, 25, 10, 30, 0, 0, time.Local)
		sessions := []session.Summary{
			{ID: "sess-1", Name: "refactor", TurnCount: 4, Provider: "anthropic", Model: "claude", UpdatedAt: updated},
			{ID: "sess-2", Name: "triage", TurnCount: 1, Provider: "openai", Model: "gpt", UpdatedAt: updated},
		}

		output := &bytes.Buffer{}
		renderSessions(output, sessions)

		got := output.String()
		assert.Contains(t, got, "ID")
		assert.Contains(t, got, "PROVIDER")
		assert.Contains(t, got, "sess-1")
		assert.Contains(t, got, "refactor")
		assert.Contains(t, got, "anthropic")
		assert.Contains(t, got, "sess-2")
		assert.Contains(t, got, "2026-08-25 10:30")

		lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
		assert.Len(t, lines, 3)
	})
}
