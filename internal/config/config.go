package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the goosed host configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Context window
	Context ContextConfig `json:"context" mapstructure:"context"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Event streaming
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key"` // empty disables auth
}

// Addr returns the listen address in host:port form
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionsConfig holds session storage configuration
type SessionsConfig struct {
	Dir       string          `json:"dir" mapstructure:"dir"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`
}

// RetentionConfig holds the archival sweep settings
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	MaxIdle  time.Duration `json:"max_idle" mapstructure:"max_idle"`
	Schedule string        `json:"schedule" mapstructure:"schedule"` // cron expression
}

// ProvidersConfig holds LLM provider configuration
type ProvidersConfig struct {
	Default    string            `json:"default" mapstructure:"default"`
	Model      string            `json:"model" mapstructure:"model"`
	MaxTokens  int               `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout    time.Duration     `json:"timeout" mapstructure:"timeout"`
	MaxRetries int               `json:"max_retries" mapstructure:"max_retries"`
	Profiles   []ProviderProfile `json:"profiles" mapstructure:"profiles"`
}

// ProviderProfile holds credentials for one provider
type ProviderProfile struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, scripted
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
}

// ContextConfig bounds the context window projection
type ContextConfig struct {
	MaxTokens     int `json:"max_tokens" mapstructure:"max_tokens"`
	ReserveOutput int `json:"reserve_output" mapstructure:"reserve_output"`
}

// Budget returns the usable input token budget
func (c ContextConfig) Budget() int {
	b := c.MaxTokens - c.ReserveOutput
	if b < 0 {
		return 0
	}
	return b
}

// ToolsConfig holds tool dispatch configuration
type ToolsConfig struct {
	RegistryPath   string        `json:"registry_path" mapstructure:"registry_path"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	Parallel       bool          `json:"parallel" mapstructure:"parallel"`
	MaxOutputBytes int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	WatchRegistry  bool          `json:"watch_registry" mapstructure:"watch_registry"`
}

// StreamConfig holds event fan-out configuration
type StreamConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" mapstructure:"subscriber_buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3000,
		},
		Sessions: SessionsConfig{
			Retention: RetentionConfig{
				Enabled:  false,
				MaxIdle:  7 * 24 * time.Hour,
				Schedule: "0 3 * * *",
			},
		},
		Providers: ProvidersConfig{
			Default:    "anthropic",
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  4096,
			Timeout:    2 * time.Minute,
			MaxRetries: 3,
			Profiles:   []ProviderProfile{},
		},
		Context: ContextConfig{
			MaxTokens:     128000,
			ReserveOutput: 4096,
		},
		Tools: ToolsConfig{
			Timeout:        30 * time.Second,
			Parallel:       false,
			MaxOutputBytes: 10240,
			WatchRegistry:  true,
		},
		Stream: StreamConfig{
			SubscriberBuffer: 256,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    false,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "goosed",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// KnownProviders lists the provider names the host can construct
var KnownProviders = []string{"anthropic", "openai", "scripted"}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if name == p {
			return true
		}
	}
	return false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	if c.Providers.Default == "" {
		return fmt.Errorf("providers.default is required")
	}
	if !isKnownProvider(c.Providers.Default) {
		return fmt.Errorf("providers.default: unknown provider %s (must be one of: anthropic, openai, scripted)", c.Providers.Default)
	}
	if c.Providers.Model == "" {
		return fmt.Errorf("providers.model is required")
	}
	if c.Providers.MaxRetries < 0 {
		return fmt.Errorf("providers.max_retries must not be negative")
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be positive")
	}

	for i, profile := range c.Providers.Profiles {
		if profile.Provider == "" {
			return fmt.Errorf("provider profile %d: provider is required", i)
		}
		if !isKnownProvider(profile.Provider) {
			return fmt.Errorf("provider profile %d: unknown provider %s", i, profile.Provider)
		}
	}

	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive")
	}
	if c.Context.ReserveOutput < 0 {
		return fmt.Errorf("context.reserve_output must not be negative")
	}
	if c.Context.Budget() == 0 {
		return fmt.Errorf("context.max_tokens must exceed context.reserve_output")
	}

	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("tools.timeout must be positive")
	}
	if c.Tools.MaxOutputBytes <= 0 {
		return fmt.Errorf("tools.max_output_bytes must be positive")
	}

	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("stream.subscriber_buffer must be positive")
	}

	if c.Sessions.Retention.Enabled {
		if c.Sessions.Retention.MaxIdle <= 0 {
			return fmt.Errorf("sessions.retention.max_idle must be positive when retention is enabled")
		}
		if c.Sessions.Retention.Schedule == "" {
			return fmt.Errorf("sessions.retention.schedule is required when retention is enabled")
		}
	}

	return nil
}

// APIKeyFor returns the configured API key for a provider, empty if none
func (c *Config) APIKeyFor(provider string) string {
	for _, profile := range c.Providers.Profiles {
		if profile.Provider == provider {
			return profile.APIKey
		}
	}
	return ""
}

// BaseURLFor returns the configured base URL override for a provider
func (c *Config) BaseURLFor(provider string) string {
	for _, profile := range c.Providers.Profiles {
		if profile.Provider == provider {
			return profile.BaseURL
		}
	}
	return ""
}
