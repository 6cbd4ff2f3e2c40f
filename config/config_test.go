package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avelde/docsage/errors"
)

func TestDefaultIsCompleteExceptKey(t *testing.T) {
	cfg := Default()
	if cfg.Provider != "openai" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	if cfg.APIBaseURL != "https://api.openai.com/v1" {
		t.Errorf("base url = %q", cfg.APIBaseURL)
	}
	if cfg.Model == "" || cfg.HistoryPath == "" || cfg.DocsTool.Command == "" {
		t.Error("defaults should fill model, history path and docs tool")
	}
	if cfg.APIKey != "" {
		t.Error("defaults must never contain a credential")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing api key should be ErrInvalid, got %v", err)
	}
	cfg.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid settings rejected: %v", err)
	}
	cfg.Provider = "mystery"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown provider should be ErrInvalid, got %v", err)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "model: local-model\nhistory_path: " + filepath.Join(dir, "hist") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("OPENAI_API_MODEL", "env-model")
	t.Setenv("OPENAI_API_BASE_URL", "")
	t.Setenv("DOCSAGE_PROVIDER", "")
	t.Setenv("DOCSAGE_HISTORY_PATH", "")
	t.Setenv("DOCSAGE_MAX_TOOL_DEPTH", "")
	t.Setenv("HOME", dir) // keep the user config out of the test

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.APIKey)
	}
	if cfg.Model != "env-model" {
		t.Errorf("model = %q, env should override the file", cfg.Model)
	}
	if cfg.HistoryPath != filepath.Join(dir, "hist") {
		t.Errorf("history path = %q, want the file value", cfg.HistoryPath)
	}
	// Untouched fields keep defaults.
	if cfg.APIBaseURL != "https://api.openai.com/v1" {
		t.Errorf("base url = %q, want default", cfg.APIBaseURL)
	}
}

func TestTimeoutAndDepthFallbacks(t *testing.T) {
	var cfg Settings
	if cfg.CallTimeout() != 30*time.Second {
		t.Errorf("zero timeout should fall back to 30s, got %s", cfg.CallTimeout())
	}
	if cfg.ToolDepth() != 5 {
		t.Errorf("zero depth should fall back to 5, got %d", cfg.ToolDepth())
	}
	cfg.CallTimeoutSeconds = 2
	cfg.MaxToolDepth = 9
	if cfg.CallTimeout() != 2*time.Second || cfg.ToolDepth() != 9 {
		t.Error("explicit values should win")
	}
}
