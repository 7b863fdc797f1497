// Package config loads runtime configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Database  DatabaseConfig  `toml:"database"`
	Session   SessionConfig   `toml:"session"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Observer  ObserverConfig  `toml:"observer"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
}

type LLMConfig struct {
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	// RequestTimeoutSeconds bounds each completion call end to end,
	// streaming included.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. PostgresURL, when set, selects
	// the PostgreSQL store instead.
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type SessionConfig struct {
	MaxTicks          int `toml:"max_ticks"`
	MaxSessionHistory int `toml:"max_session_history"`
	// DefaultHistoryMode applies when a directive names no mode. One of
	// CONVERSATIONAL, SESSION_AWARE, STATELESS.
	DefaultHistoryMode string `toml:"default_history_mode"`
	// RetentionDays prunes interactions older than this many days at
	// startup. 0 disables pruning.
	RetentionDays int `toml:"retention_days"`
}

type MetricsConfig struct {
	StrongThreshold float64 `toml:"strong_threshold"`
	WeakThreshold   float64 `toml:"weak_threshold"`
	MinRequests     int     `toml:"min_requests"`
	// RefinementThreshold is the effectiveness below which an agent's
	// prompt is rewritten during a refinement pass, in [0,1].
	RefinementThreshold float64 `toml:"refinement_threshold"`
	// ABTestMinSamples is the per-arm sample floor before an A/B test
	// may conclude.
	ABTestMinSamples int `toml:"ab_test_min_samples"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type BootstrapConfig struct {
	// BasePromptsPath is a directory of <AgentName>.txt prompt files
	// spawned at startup. Chief.txt is required for a session.
	BasePromptsPath string `toml:"base_prompts_path"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Model:                 "claude-sonnet-4-5",
			MaxTokens:             1024,
			Temperature:           0.7,
			RequestTimeoutSeconds: 120,
		},
		Database: DatabaseConfig{Path: "conclave.db"},
		Session: SessionConfig{
			MaxTicks:           10,
			MaxSessionHistory:  25,
			DefaultHistoryMode: "CONVERSATIONAL",
		},
		Metrics: MetricsConfig{
			StrongThreshold:     0.8,
			WeakThreshold:       0.6,
			MinRequests:         5,
			RefinementThreshold: 0.6,
			ABTestMinSamples:    10,
		},
		Bootstrap: BootstrapConfig{
			BasePromptsPath: "prompts",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conclave.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONCLAVE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CONCLAVE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CONCLAVE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CONCLAVE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONCLAVE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CONCLAVE_PROMPTS_PATH"); v != "" {
		cfg.Bootstrap.BasePromptsPath = v
	}
	if v := os.Getenv("CONCLAVE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	cfg.clamp()
	return cfg
}

// clamp repairs out-of-range values rather than failing.
func (c *Config) clamp() {
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.Temperature < 0 {
		c.LLM.Temperature = 0
	}
	if c.LLM.Temperature > 1 {
		c.LLM.Temperature = 1
	}
	if c.LLM.RequestTimeoutSeconds <= 0 {
		c.LLM.RequestTimeoutSeconds = 120
	}
	if c.Session.MaxTicks <= 0 {
		c.Session.MaxTicks = 10
	}
	switch c.Session.DefaultHistoryMode {
	case "CONVERSATIONAL", "SESSION_AWARE", "STATELESS":
	default:
		c.Session.DefaultHistoryMode = "CONVERSATIONAL"
	}
	if c.Session.MaxSessionHistory <= 0 || c.Session.MaxSessionHistory > 25 {
		c.Session.MaxSessionHistory = 25
	}
	if c.Session.RetentionDays < 0 {
		c.Session.RetentionDays = 0
	}
	if c.Metrics.StrongThreshold <= 0 || c.Metrics.StrongThreshold > 1 {
		c.Metrics.StrongThreshold = 0.8
	}
	if c.Metrics.WeakThreshold <= 0 || c.Metrics.WeakThreshold >= c.Metrics.StrongThreshold {
		c.Metrics.WeakThreshold = 0.6
	}
	if c.Metrics.MinRequests < 0 {
		c.Metrics.MinRequests = 0
	}
	if c.Metrics.RefinementThreshold < 0 || c.Metrics.RefinementThreshold > 1 {
		c.Metrics.RefinementThreshold = 0.6
	}
	if c.Metrics.ABTestMinSamples < 1 {
		c.Metrics.ABTestMinSamples = 10
	}
}
