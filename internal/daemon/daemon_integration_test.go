package daemon

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawn111/goose/pkg/gateway"
	"github.com/shawn111/goose/pkg/session"
	"github.com/shawn111/goose/pkg/stream"
)

// startTestDaemon starts a daemon on an ephemeral port and stops it when
// the test ends.
func startTestDaemon(t *testing.T) *Daemon {
	d := createTestDaemon(t)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
		}
	})
	return d
}

func readDaemonFrame(t *testing.T, conn *websocket.Conn) gateway.Frame {
	t.Helper()
	var f gateway.Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestDaemonEndToEndTurn(t *testing.T) {
	d := startTestDaemon(t)
	addr := d.GetGatewayServer().Addr()

	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial("ws://"+addr+"/sessions/new/run", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	meta := readDaemonFrame(t, conn)
	require.Equal(t, stream.EventSessionMetadata, meta.Type)
	sessionID := meta.SessionID
	require.NotEmpty(t, sessionID)

	metaData, ok := meta.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "scripted", metaData["provider"])
	assert.Equal(t, "scripted-1", metaData["model"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "hello daemon"}))

	var reply strings.Builder
	done := false
	for i := 0; i < 100 && !done; i++ {
		f := readDaemonFrame(t, conn)
		assert.Equal(t, sessionID, f.SessionID)

		switch f.Type {
		case stream.EventTextDelta:
			if data, ok := f.Data.(map[string]interface{}); ok {
				if text, ok := data["text"].(string); ok {
					reply.WriteString(text)
				}
			}
		case stream.EventTurnDone:
			data, ok := f.Data.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, session.TurnDone, data["status"])
			done = true
		}
	}
	require.True(t, done, "never saw a turn completion frame")
	assert.Equal(t, "echo: hello daemon", reply.String())

	// The completed turn is visible over the HTTP surface
	var list struct {
		Sessions []session.Summary `json:"sessions"`
	}
	httpResp, err := http.Get("http://" + addr + "/sessions/list")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&list))

	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sessionID, list.Sessions[0].ID)
	assert.Equal(t, 1, list.Sessions[0].TurnCount)
	assert.Equal(t, "scripted", list.Sessions[0].Provider)
}

func TestDaemonInfoEndpoint(t *testing.T) {
	d := startTestDaemon(t)
	addr := d.GetGatewayServer().Addr()

	resp, err := http.Get("http://" + addr + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))

	assert.Equal(t, "0.0.0-test", info["version"])
	assert.Equal(t, "config.yaml", info["config_file"])
	assert.Equal(t, d.config.Sessions.Dir, info["sessions_dir"])
	assert.Equal(t, "scripted", info["default_provider"])
	assert.Equal(t, "scripted-1", info["default_model"])
}

func TestDaemonSecretKeyGuardsGateway(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.SecretKey = "it-takes-two"

	d, err := New(cfg, newTestLogger(t), Info{Version: "0.0.0-test"})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	addr := d.GetGatewayServer().Addr()

	resp, err := http.Get("http://" + addr + "/sessions/list")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/sessions/list", nil)
	require.NoError(t, err)
	req.Header.Set("X-Secret-Key", "it-takes-two")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemonStopClosesLiveSocket(t *testing.T) {
	d := startTestDaemon(t)
	addr := d.GetGatewayServer().Addr()

	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial("ws://"+addr+"/sessions/new/run", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	meta := readDaemonFrame(t, conn)
	require.Equal(t, stream.EventSessionMetadata, meta.Type)

	require.NoError(t, d.Stop())

	// The socket ends rather than hanging on a dead server
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < 10; i++ {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
	}
	t.Fatal("socket still delivering frames after daemon stop")
}
