package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validConfig = `
default_model = "fast"

[models.fast]
provider = "anthropic"
model = "claude-x"
max_context_size = 200000

[providers.anthropic]
type = "anthropic"
base_url = "https://api.anthropic.com"
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultModel != "fast" {
		t.Errorf("got default_model %q, want %q", cfg.DefaultModel, "fast")
	}
	if cfg.LoopControl.MaxStepsPerTurnOrDefault() != 100 {
		t.Errorf("got default MaxStepsPerTurn %d, want 100", cfg.LoopControl.MaxStepsPerTurnOrDefault())
	}
	if cfg.MCP.Client.ToolCallTimeoutMSOrDefault() != 60000 {
		t.Errorf("got default tool_call_timeout_ms %d, want 60000", cfg.MCP.Client.ToolCallTimeoutMSOrDefault())
	}
}

func TestLoadRejectsUnknownDefaultModel(t *testing.T) {
	body := `
default_model = "ghost"

[models.fast]
provider = "anthropic"
model = "claude-x"

[providers.anthropic]
type = "anthropic"
base_url = "https://api.anthropic.com"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected an error for a default_model absent from models")
	}
}

func TestLoadRejectsModelWithUnknownProvider(t *testing.T) {
	body := `
[models.fast]
provider = "ghost"
model = "claude-x"

[providers.anthropic]
type = "anthropic"
base_url = "https://api.anthropic.com"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected an error for a model referencing an unconfigured provider")
	}
}

func TestLoadRejectsAutoCompactThresholdOutOfRange(t *testing.T) {
	body := validConfig + "\n[loop_control]\nauto_compact_threshold = 1.5\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected an error for an out-of-range auto_compact_threshold")
	}
}

func TestLoadRejectsMaxRalphIterationsBelowNegativeOne(t *testing.T) {
	body := validConfig + "\n[loop_control]\nmax_ralph_iterations = -2\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected an error for max_ralph_iterations below -1")
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestApplyEnvOverridesFillsAPIKeyFromNamedEnvVar(t *testing.T) {
	body := `
default_model = "fast"

[models.fast]
provider = "anthropic"
model = "claude-x"

[providers.anthropic]
type = "anthropic"
base_url = "https://api.anthropic.com"
env = "TEST_AGENTCORE_API_KEY"
`
	t.Setenv("TEST_AGENTCORE_API_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "sk-test-123" {
		t.Errorf("got api key %q, want %q", got, "sk-test-123")
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	t.Setenv("AGENTCORE_SHARE_DIR", t.TempDir())

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials (first load): %v", err)
	}
	if got := creds.GetAPIKey("anthropic"); got != "" {
		t.Errorf("expected no api key before SetAPIKey, got %q", got)
	}

	creds.SetAPIKey("anthropic", "sk-abc")
	if err := SaveCredentials(creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	reloaded, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials (reload): %v", err)
	}
	if got := reloaded.GetAPIKey("anthropic"); got != "sk-abc" {
		t.Errorf("got api key %q, want %q", got, "sk-abc")
	}
}
