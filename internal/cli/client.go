package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shawn111/goose/internal/config"
	"github.com/shawn111/goose/pkg/session"
)

// hostAddr overrides the host address from config for status and sessions.
var hostAddr string

// hostClient talks to a running host's HTTP surface.
type hostClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

func newHostClient(cfg *config.Config) *hostClient {
	addr := hostAddr
	if addr == "" {
		addr = cfg.Server.Addr()
	}
	return &hostClient{
		baseURL: "http://" + addr,
		secret:  cfg.Server.SecretKey,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// hostInfo mirrors the /info response body.
type hostInfo struct {
	Version         string `json:"version"`
	ConfigFile      string `json:"config_file"`
	SessionsDir     string `json:"sessions_dir"`
	LogsDir         string `json:"logs_dir"`
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model"`
}

func (c *hostClient) Info() (*hostInfo, error) {
	var info hostInfo
	if err := c.get("/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *hostClient) Sessions() ([]session.Summary, error) {
	var out struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := c.get("/sessions/list", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *hostClient) RemoveSession(id string) error {
	return c.post("/sessions/"+id+"/remove", nil)
}

func (c *hostClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *hostClient) post(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *hostClient) do(req *http.Request, out interface{}) error {
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			if apiErr.Detail != "" {
				return fmt.Errorf("host returned %s: %s", apiErr.Error, apiErr.Detail)
			}
			return fmt.Errorf("host returned %s", apiErr.Error)
		}
		return fmt.Errorf("host returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
