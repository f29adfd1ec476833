package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".runledger"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file, honoring the
// RUNLEDGER_CONFIG override.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RUNLEDGER_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present), applies env overrides, and
// validates. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Paths.Workspace = expandHome(cfg.Paths.Workspace)
	if cfg.Skills.Dir != "" {
		cfg.Skills.Dir = expandHome(cfg.Skills.Dir)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envconfig.Process("RUNLEDGER_PATHS", &cfg.Paths)
	envconfig.Process("RUNLEDGER_MODEL", &cfg.Model)
	envconfig.Process("RUNLEDGER_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("RUNLEDGER_SAFETY", &cfg.Safety)
	envconfig.Process("RUNLEDGER_SKILLS", &cfg.Skills)
	envconfig.Process("RUNLEDGER_COMPACTION", &cfg.Compaction)
	envconfig.Process("RUNLEDGER_SINK", &cfg.Sink)
}

// Validate rejects configurations the runtime cannot honor.
func Validate(cfg *Config) error {
	switch cfg.Paths.EventBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("paths.eventBackend must be file or sqlite, got %q", cfg.Paths.EventBackend)
	}
	if cfg.Paths.EventBackend == "sqlite" && cfg.Paths.EventDBPath == "" {
		return fmt.Errorf("paths.eventDbPath is required with the sqlite backend")
	}
	switch cfg.Safety.Mode {
	case "ask", "deny":
	default:
		return fmt.Errorf("safety.mode must be ask or deny, got %q", cfg.Safety.Mode)
	}
	switch cfg.Compaction.Mode {
	case "fail_fast", "compact_first", "ask_first":
	default:
		return fmt.Errorf("compaction.mode must be fail_fast, compact_first, or ask_first, got %q", cfg.Compaction.Mode)
	}
	switch cfg.Skills.EnvPolicy {
	case "fail_fast", "skip_skill":
	default:
		return fmt.Errorf("skills.envPolicy must be fail_fast or skip_skill, got %q", cfg.Skills.EnvPolicy)
	}
	for tool, mode := range cfg.Safety.ToolRules {
		switch mode {
		case "allow", "ask", "deny":
		default:
			return fmt.Errorf("safety.toolRules[%s] must be allow, ask, or deny, got %q", tool, mode)
		}
	}
	if cfg.Safety.MaxSteps <= 0 {
		return fmt.Errorf("safety.maxSteps must be positive, got %d", cfg.Safety.MaxSteps)
	}
	if cfg.Sink.Enabled && len(cfg.Sink.Brokers) == 0 {
		return fmt.Errorf("sink.brokers is required when the sink is enabled")
	}
	return nil
}

// Save writes the config as indented JSON, creating the directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o600)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
