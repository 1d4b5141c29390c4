package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:3000", cfg.Server.Addr())
	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.Equal(t, 3, cfg.Providers.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	assert.False(t, cfg.Tools.Parallel)
	assert.Equal(t, 256, cfg.Stream.SubscriberBuffer)
	assert.True(t, cfg.Logging.Redaction)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.Providers.Default = "mistral" },
			wantErr: "unknown provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Providers.Model = "" },
			wantErr: "providers.model",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Providers.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "unknown profile provider",
			mutate:  func(c *Config) { c.Providers.Profiles = []ProviderProfile{{Provider: "weird"}} },
			wantErr: "unknown provider",
		},
		{
			name: "budget exhausted by reserve",
			mutate: func(c *Config) {
				c.Context.MaxTokens = 100
				c.Context.ReserveOutput = 100
			},
			wantErr: "must exceed",
		},
		{
			name:    "zero tool timeout",
			mutate:  func(c *Config) { c.Tools.Timeout = 0 },
			wantErr: "tools.timeout",
		},
		{
			name:    "zero subscriber buffer",
			mutate:  func(c *Config) { c.Stream.SubscriberBuffer = 0 },
			wantErr: "subscriber_buffer",
		},
		{
			name: "retention enabled without max idle",
			mutate: func(c *Config) {
				c.Sessions.Retention.Enabled = true
				c.Sessions.Retention.MaxIdle = 0
			},
			wantErr: "max_idle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestContextBudget(t *testing.T) {
	c := ContextConfig{MaxTokens: 1000, ReserveOutput: 200}
	assert.Equal(t, 800, c.Budget())

	c = ContextConfig{MaxTokens: 100, ReserveOutput: 200}
	assert.Equal(t, 0, c.Budget())
}

func TestAPIKeyFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.Profiles = []ProviderProfile{
		{Provider: "anthropic", APIKey: "key-a", BaseURL: "http://localhost:9999"},
		{Provider: "openai", APIKey: "key-o"},
	}

	assert.Equal(t, "key-a", cfg.APIKeyFor("anthropic"))
	assert.Equal(t, "key-o", cfg.APIKeyFor("openai"))
	assert.Equal(t, "", cfg.APIKeyFor("scripted"))
	assert.Equal(t, "http://localhost:9999", cfg.BaseURLFor("anthropic"))
	assert.Equal(t, "", cfg.BaseURLFor("openai"))
}
