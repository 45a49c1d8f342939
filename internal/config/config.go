// Package config handles assistant configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/assistant/config.yaml, /etc/assistant/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "assistant", "config.yaml"))
	}

	paths = append(paths, "/etc/assistant/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all assistant configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Provider ProviderConfig `yaml:"provider"`
	Context  ContextConfig  `yaml:"context"`
	Retry    RetryConfig    `yaml:"retry"`
	Voice    VoiceConfig    `yaml:"voice"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines model provider settings.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`   // Override for testing; empty = provider default
	MaxTokens int    `yaml:"max_tokens"` // Max output tokens per response (default 4096)
}

// ContextConfig controls conversation context assembly.
type ContextConfig struct {
	// WindowSize is the number of recent raw messages always kept verbatim.
	WindowSize int `yaml:"window_size"`
	// SummaryWordBudget caps the prose summary of older messages.
	SummaryWordBudget int `yaml:"summary_word_budget"`
	// TokenCeiling bounds the assembled context (summary + window).
	TokenCeiling int `yaml:"token_ceiling"`
	// CacheTTLSec is the lifetime of a remote context cache entry.
	CacheTTLSec int `yaml:"cache_ttl_sec"`
	// CacheLookupTimeoutMs bounds the fast-path remote cache probe.
	// On timeout the request proceeds uncached.
	CacheLookupTimeoutMs int `yaml:"cache_lookup_timeout_ms"`
}

// RetryConfig controls text-mode tool retry behavior.
// Voice mode never retries regardless of these settings.
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
}

// VoiceConfig defines the websocket voice session surface.
type VoiceConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSessionSec bounds a single voice session (default 900).
	MaxSessionSec int `yaml:"max_session_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Context: ContextConfig{
			WindowSize:           20,
			SummaryWordBudget:    300,
			TokenCeiling:         8000,
			CacheTTLSec:          300,
			CacheLookupTimeoutMs: 150,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMs: 250,
		},
		Voice: VoiceConfig{
			Enabled:       true,
			MaxSessionSec: 900,
		},
		DataDir: "data",
	}
}
