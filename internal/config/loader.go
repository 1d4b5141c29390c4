package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix("GOOSE")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")

			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	// Environment overrides keep parity with the CLI front ends
	if provider := os.Getenv("GOOSE_PROVIDER"); provider != "" {
		cfg.Providers.Default = provider
	}
	if model := os.Getenv("GOOSE_MODEL"); model != "" {
		cfg.Providers.Model = model
	}
	if secret := os.Getenv("GOOSE_SECRET_KEY"); secret != "" {
		cfg.Server.SecretKey = secret
	}

	// Fill derived paths
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "goose")
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "goosed.log")
	}
	if cfg.Tools.RegistryPath == "" {
		cfg.Tools.RegistryPath = filepath.Join(cfg.DataDir, "tools.json")
	}

	return cfg, nil
}

// GetConfigPath returns the resolved config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if env := os.Getenv("GOOSE_CONFIG"); env != "" {
		return env
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "goose", "config.yaml")
}

// LogsDir returns the directory holding host log files
func LogsDir(cfg *Config) string {
	if cfg.Logging.File != "" {
		return filepath.Dir(cfg.Logging.File)
	}
	return filepath.Join(cfg.DataDir, "logs")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
