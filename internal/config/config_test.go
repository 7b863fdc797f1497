package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Model != "claude-sonnet-4-5" || cfg.LLM.MaxTokens != 1024 {
		t.Errorf("LLM defaults = %+v", cfg.LLM)
	}
	if cfg.Database.Path != "conclave.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.LLM.RequestTimeoutSeconds != 120 {
		t.Errorf("RequestTimeoutSeconds = %d, want 120", cfg.LLM.RequestTimeoutSeconds)
	}
	if cfg.Session.MaxTicks != 10 || cfg.Session.MaxSessionHistory != 25 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Session.DefaultHistoryMode != "CONVERSATIONAL" {
		t.Errorf("DefaultHistoryMode = %q, want CONVERSATIONAL", cfg.Session.DefaultHistoryMode)
	}
	if cfg.Metrics.StrongThreshold != 0.8 || cfg.Metrics.WeakThreshold != 0.6 {
		t.Errorf("metrics defaults = %+v", cfg.Metrics)
	}
	if cfg.Metrics.RefinementThreshold != 0.6 || cfg.Metrics.ABTestMinSamples != 10 {
		t.Errorf("metrics defaults = %+v", cfg.Metrics)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.toml")
	data := `
[llm]
model = "test-model"
max_tokens = 256

[database]
path = "/tmp/other.db"

[session]
max_ticks = 4

[observer]
enabled = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.LLM.Model != "test-model" || cfg.LLM.MaxTokens != 256 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Session.MaxTicks != 4 {
		t.Errorf("MaxTicks = %d", cfg.Session.MaxTicks)
	}
	if !cfg.Observer.Enabled {
		t.Error("Observer.Enabled = false")
	}
	// Untouched sections keep their defaults.
	if cfg.Metrics.MinRequests != 5 {
		t.Errorf("MinRequests = %d, want default kept", cfg.Metrics.MinRequests)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want default", cfg.LLM.Model)
	}
}

func TestLoadEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.toml")
	if err := os.WriteFile(path, []byte("[llm]\nmodel = \"from-file\"\napi_key = \"file-key\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONCLAVE_MODEL", "from-env")
	t.Setenv("CONCLAVE_API_KEY", "env-key")
	t.Setenv("CONCLAVE_DB_PATH", "/tmp/env.db")

	cfg := Load(path)
	if cfg.LLM.Model != "from-env" {
		t.Errorf("Model = %q, want env override", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
}

func TestLoadAnthropicKeyFallback(t *testing.T) {
	t.Setenv("CONCLAVE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-key")
	cfg := Load(filepath.Join(t.TempDir(), "none.toml"))
	if cfg.LLM.APIKey != "anthropic-key" {
		t.Errorf("APIKey = %q, want ANTHROPIC_API_KEY fallback", cfg.LLM.APIKey)
	}
}

func TestClampRepairsRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.toml")
	data := `
[llm]
max_tokens = -5
temperature = 3.0
request_timeout_seconds = -30

[session]
max_ticks = 0
max_session_history = 999
retention_days = -1
default_history_mode = "conversational"

[metrics]
strong_threshold = 2.0
weak_threshold = 0.9
refinement_threshold = 1.5
ab_test_min_samples = 0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.LLM.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want repaired default", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Temperature != 1 {
		t.Errorf("Temperature = %v, want clamped to 1", cfg.LLM.Temperature)
	}
	if cfg.LLM.RequestTimeoutSeconds != 120 {
		t.Errorf("RequestTimeoutSeconds = %d, want repaired default", cfg.LLM.RequestTimeoutSeconds)
	}
	if cfg.Session.MaxTicks != 10 || cfg.Session.MaxSessionHistory != 25 || cfg.Session.RetentionDays != 0 {
		t.Errorf("session = %+v", cfg.Session)
	}
	// Modes are case-sensitive tokens; anything else falls back.
	if cfg.Session.DefaultHistoryMode != "CONVERSATIONAL" {
		t.Errorf("DefaultHistoryMode = %q, want repaired default", cfg.Session.DefaultHistoryMode)
	}
	if cfg.Metrics.StrongThreshold != 0.8 {
		t.Errorf("StrongThreshold = %v, want repaired", cfg.Metrics.StrongThreshold)
	}
	if cfg.Metrics.WeakThreshold != 0.6 {
		t.Errorf("WeakThreshold = %v, want repaired (was above strong)", cfg.Metrics.WeakThreshold)
	}
	if cfg.Metrics.RefinementThreshold != 0.6 {
		t.Errorf("RefinementThreshold = %v, want repaired", cfg.Metrics.RefinementThreshold)
	}
	if cfg.Metrics.ABTestMinSamples != 10 {
		t.Errorf("ABTestMinSamples = %d, want repaired", cfg.Metrics.ABTestMinSamples)
	}
}
