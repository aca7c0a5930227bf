package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

var (
	ErrNoConfig        = errors.New("config file not found")
	ErrNoAPIKey        = errors.New("api_key not set in config")
	ErrInvalidJSON     = errors.New("invalid config JSON")
	ErrInvalidInterval = errors.New("poll_interval_seconds must be positive")
	ErrInvalidTimeout  = errors.New("request_timeout_seconds must be positive")
)

// Config holds the global parley configuration.
type Config struct {
	APIKey           string `json:"api_key" env:"PARLEY_API_KEY"`
	BaseURL          string `json:"base_url" env:"PARLEY_BASE_URL"`
	DefaultModel     string `json:"default_model" env:"PARLEY_MODEL"`
	TitleModel       string `json:"title_model" env:"PARLEY_TITLE_MODEL"` // Model for auto-generating conversation titles (cheap/fast)
	RequestTimeout   int    `json:"request_timeout_seconds" env:"PARLEY_TIMEOUT"`
	PollInterval     int    `json:"poll_interval_seconds" env:"PARLEY_POLL_INTERVAL"`
	StreamingEnabled *bool  `json:"streaming_enabled"`  // Stream responses token-by-token (default: true)
	WebSearchEnabled *bool  `json:"web_search_enabled"` // Attach the web-search tool to generation requests (default: false)
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// PollEvery returns the poll interval as a duration.
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Streaming reports whether streaming responses are enabled.
func (c *Config) Streaming() bool {
	return c.StreamingEnabled == nil || *c.StreamingEnabled
}

// WebSearch reports whether the web-search tool should be attached.
func (c *Config) WebSearch() bool {
	return c.WebSearchEnabled != nil && *c.WebSearchEnabled
}

// Load reads the config from ~/.config/parley/config.json.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "parley", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path. Environment variables
// override file values so deployments can inject credentials without
// writing them to disk.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	// Set defaults
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = "gpt-4o-mini"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 120
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5
	}
	if cfg.StreamingEnabled == nil {
		t := true
		cfg.StreamingEnabled = &t
	}
	if cfg.WebSearchEnabled == nil {
		f := false
		cfg.WebSearchEnabled = &f
	}

	if cfg.RequestTimeout < 0 {
		return nil, ErrInvalidTimeout
	}
	if cfg.PollInterval < 0 {
		return nil, ErrInvalidInterval
	}

	return &cfg, nil
}
