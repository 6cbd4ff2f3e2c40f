// Package config defines the explicit settings the agent core is built from.
// Nothing in the core reads ambient state; Load gathers defaults, optional
// yaml files and environment overrides on behalf of the entrypoints, and the
// resulting Settings value is handed to agent.New as-is.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avelde/docsage/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks settings that cannot initialize a session.
var ErrInvalid = errors.New("invalid configuration")

// DocsTool describes how to launch the documentation tool subprocess.
type DocsTool struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
}

// Settings holds everything one agent session needs. Settings are immutable
// for the lifetime of a session; changing them means building a new agent.
type Settings struct {
	Provider   string `yaml:"provider" json:"provider"` // "openai", "anthropic" or "gemini"
	APIKey     string `yaml:"api_key" json:"api_key"`
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`
	Model      string `yaml:"model" json:"model"`

	AgentName   string `yaml:"agent_name" json:"agent_name"`
	HistoryPath string `yaml:"history_path" json:"history_path"`

	DocsTool DocsTool `yaml:"docs_tool" json:"docs_tool"`

	MaxToolDepth       int `yaml:"max_tool_depth" json:"max_tool_depth"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" json:"call_timeout_seconds"`
}

// Default returns the settings the original desktop front end ships with.
func Default() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Settings{
		Provider:           "openai",
		APIBaseURL:         "https://api.openai.com/v1",
		Model:              "gpt-4-turbo",
		AgentName:          "docsage",
		HistoryPath:        filepath.Join(home, ".docsage", "history"),
		DocsTool:           DocsTool{Command: "npx", Args: []string{"-y", "@upstash/context7-mcp@latest"}},
		MaxToolDepth:       5,
		CallTimeoutSeconds: 30,
	}
}

// Load builds Settings from defaults, the user config file, an optional
// explicit config file, and environment overrides, in that order.
func Load(path string) (Settings, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".docsage", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "error loading config %q", path)
		}
	}

	applyEnv(&cfg)
	cfg.HistoryPath = ExpandHome(cfg.HistoryPath)
	return cfg, nil
}

func loadFromFile(path string, cfg *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites only the fields present in the file, which gives
	// a simple default-then-file-then-env merge.
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Settings) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("DOCSAGE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("DOCSAGE_AGENT_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := os.Getenv("DOCSAGE_HISTORY_PATH"); v != "" {
		cfg.HistoryPath = v
	}
	if v := os.Getenv("DOCSAGE_MAX_TOOL_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxToolDepth = n
		}
	}
}

// Validate reports whether the settings can initialize a session.
// All failures wrap ErrInvalid.
func (s Settings) Validate() error {
	switch s.Provider {
	case "openai", "anthropic", "gemini":
	case "":
		return errors.Withf(ErrInvalid, "provider is required")
	default:
		return errors.Withf(ErrInvalid, "unknown provider %q", s.Provider)
	}
	if s.APIKey == "" {
		return errors.Withf(ErrInvalid, "api_key is required")
	}
	if s.Model == "" {
		return errors.Withf(ErrInvalid, "model is required")
	}
	if s.HistoryPath == "" {
		return errors.Withf(ErrInvalid, "history_path is required")
	}
	return nil
}

// CallTimeout returns the per-request tool call timeout.
func (s Settings) CallTimeout() time.Duration {
	if s.CallTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// ToolDepth returns the maximum number of tool resolutions per turn.
func (s Settings) ToolDepth() int {
	if s.MaxToolDepth <= 0 {
		return 5
	}
	return s.MaxToolDepth
}

// ExpandHome replaces a leading ~ with the user's home directory, matching
// how the front end lets users type paths.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
