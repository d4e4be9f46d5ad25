// Package config handles configuration loading from TOML files and
// environment variables (spec §6 "Configuration").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultModel    string                 `toml:"default_model"`
	DefaultThinking bool                   `toml:"default_thinking"`
	Models          map[string]ModelConfig `toml:"models"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	LoopControl     LoopControlConfig     `toml:"loop_control"`
	MCP             MCPConfig             `toml:"mcp"`
}

// ModelConfig names a provider and an upstream model identifier, plus the
// context window size the Compaction Engine budgets against.
type ModelConfig struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	MaxContextSize int    `toml:"max_context_size"`
}

// ProviderConfig holds connection settings for one named provider account.
type ProviderConfig struct {
	Type          string            `toml:"type"`
	BaseURL       string            `toml:"base_url"`
	APIKey        string            `toml:"api_key"`
	PreferIPv4    bool              `toml:"prefer_ipv4"`
	CustomHeaders map[string]string `toml:"custom_headers"`
	// Env names an environment variable to read the API key from when
	// APIKey is unset. It is applied by Load, before any credentials file
	// is consulted, so a set variable takes precedence over that file.
	Env   string `toml:"env"`
	OAuth bool   `toml:"oauth"`
}

// LoopControlConfig tunes the Agent Loop's per-Turn and per-Step budgets
// (spec §6, §4.G).
type LoopControlConfig struct {
	MaxStepsPerTurn      int     `toml:"max_steps_per_turn"`
	MaxRetriesPerStep    int     `toml:"max_retries_per_step"`
	AutoCompactThreshold float64 `toml:"auto_compact_threshold"`
	// MaxRalphIterations bounds agentloop.RalphLoop's resubmission count.
	// 0 disables resubmission; -1 is unbounded.
	MaxRalphIterations int `toml:"max_ralph_iterations"`
}

// MaxStepsPerTurnOrDefault returns the configured budget or 100 if unset.
func (l LoopControlConfig) MaxStepsPerTurnOrDefault() int {
	if l.MaxStepsPerTurn <= 0 {
		return 100
	}
	return l.MaxStepsPerTurn
}

// MaxRetriesPerStepOrDefault returns the configured retry budget or 3 if unset.
func (l LoopControlConfig) MaxRetriesPerStepOrDefault() int {
	if l.MaxRetriesPerStep <= 0 {
		return 3
	}
	return l.MaxRetriesPerStep
}

// AutoCompactThresholdOrDefault returns the configured fraction or 0.8 if unset.
func (l LoopControlConfig) AutoCompactThresholdOrDefault() float64 {
	if l.AutoCompactThreshold <= 0 {
		return 0.8
	}
	return l.AutoCompactThreshold
}

// MCPConfig holds MCP client settings.
type MCPConfig struct {
	Client MCPClientConfig `toml:"client"`
}

// MCPClientConfig holds per-call timeout settings for MCP tool calls.
type MCPClientConfig struct {
	ToolCallTimeoutMS int `toml:"tool_call_timeout_ms"`
}

// ToolCallTimeoutMSOrDefault returns the configured timeout or 60000ms if unset.
func (c MCPClientConfig) ToolCallTimeoutMSOrDefault() int {
	if c.ToolCallTimeoutMS <= 0 {
		return 60000
	}
	return c.ToolCallTimeoutMS
}

// Environment variables honored by the core (spec §6).
const (
	EnvShareDir      = "AGENTCORE_SHARE_DIR"
	EnvConsoleWidth  = "AGENTCORE_CONSOLE_WIDTH"
	EnvFeedbackDir   = "AGENTCORE_FEEDBACK_DIR"
	EnvPreferIPv4    = "AGENTCORE_PREFER_IPV4"
	EnvSSLCertFile   = "AGENTCORE_SSL_CERT_FILE"
)

// Load reads configuration from a TOML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Models:    make(map[string]ModelConfig),
		Providers: make(map[string]ProviderConfig),
	}

	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Models) == 0 {
		errs = append(errs, errors.New("models: at least one model must be configured"))
	}
	for id, m := range c.Models {
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("models.%s.provider is required", id))
		} else if _, ok := c.Providers[m.Provider]; !ok {
			errs = append(errs, fmt.Errorf("models.%s.provider=%q does not exist in providers", id, m.Provider))
		}
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("models.%s.model is required", id))
		}
	}

	for name, p := range c.Providers {
		errs = append(errs, validateProviderConfig(name, p)...)
	}

	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			errs = append(errs, fmt.Errorf("default_model=%q does not exist in models", c.DefaultModel))
		}
	}

	if c.LoopControl.AutoCompactThreshold != 0 &&
		(c.LoopControl.AutoCompactThreshold < 0.1 || c.LoopControl.AutoCompactThreshold > 1.0) {
		errs = append(errs, fmt.Errorf("loop_control.auto_compact_threshold=%v must be in [0.1, 1.0]",
			c.LoopControl.AutoCompactThreshold))
	}
	if c.LoopControl.MaxRalphIterations < -1 {
		errs = append(errs, fmt.Errorf("loop_control.max_ralph_iterations=%d must be >= -1",
			c.LoopControl.MaxRalphIterations))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Type == "" {
		errs = append(errs, fmt.Errorf("providers.%s.type is required", name))
	}
	if cfg.BaseURL == "" {
		errs = append(errs, fmt.Errorf("providers.%s.base_url is required", name))
	}
	return errs
}

// applyEnvOverrides fills in each provider's APIKey from its named Env
// variable when the config file leaves it unset. The credentials file is
// not looked at here.
func applyEnvOverrides(cfg *Config) {
	for id, p := range cfg.Providers {
		if p.APIKey == "" && p.Env != "" {
			if v := os.Getenv(p.Env); v != "" {
				p.APIKey = v
				cfg.Providers[id] = p
			}
		}
	}
}

// SSLCertFile returns the AGENTCORE_SSL_CERT_FILE override, or "" if unset.
func SSLCertFile() string { return os.Getenv(EnvSSLCertFile) }

// PreferIPv4 reports whether AGENTCORE_PREFER_IPV4 is set to a non-empty value.
func PreferIPv4() bool { return os.Getenv(EnvPreferIPv4) != "" }

// ConsoleWidthOverride returns the AGENTCORE_CONSOLE_WIDTH override, or 0 if unset/invalid.
func ConsoleWidthOverride() int {
	v := os.Getenv(EnvConsoleWidth)
	if v == "" {
		return 0
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// FeedbackDir returns the AGENTCORE_FEEDBACK_DIR override, or "" if unset.
func FeedbackDir() string { return os.Getenv(EnvFeedbackDir) }

// ShareDir returns the engine's share directory: AGENTCORE_SHARE_DIR if
// set, else ~/.config/agentcore.
func ShareDir() (string, error) {
	if v := os.Getenv(EnvShareDir); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentcore"), nil
}

// EnsureShareDir creates the share directory if it doesn't exist.
func EnsureShareDir() (string, error) {
	dir, err := ShareDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
