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
	ConfigDir = ".parley"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); explicit != "" {
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

// Load reads the config file (if present) and applies env overrides.
// A missing file is not an error: defaults plus env vars apply.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group.
	envconfig.Process("PARLEY_PATHS", &cfg.Paths)
	envconfig.Process("PARLEY_QUEUE", &cfg.Queue)
	envconfig.Process("PARLEY_OUTBOUND", &cfg.Outbound)
	envconfig.Process("PARLEY_LEASE", &cfg.Lease)
	envconfig.Process("PARLEY_APPROVALS", &cfg.Approvals)
	envconfig.Process("PARLEY_ROUTER", &cfg.Router)
	envconfig.Process("PARLEY_CHANNELS_TELEGRAM", &cfg.Channels.Telegram)
	envconfig.Process("PARLEY_CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp)
	envconfig.Process("PARLEY_CHANNELS_SLACK", &cfg.Channels.Slack)
	envconfig.Process("PARLEY_CHANNELS_WEB", &cfg.Channels.Web)
	envconfig.Process("PARLEY_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("PARLEY_ANTHROPIC", &cfg.Providers.Anthropic)
	envconfig.Process("PARLEY_KAFKA", &cfg.Kafka)
	envconfig.Process("PARLEY_MAINTENANCE", &cfg.Maintenance)

	// Fallback for API key.
	if cfg.Providers.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		}
	}

	applyPathDefaults(cfg)
	return cfg, nil
}

// Save writes the config back to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func applyPathDefaults(cfg *Config) {
	if cfg.Paths.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Paths.DataDir = filepath.Join(home, ConfigDir)
		} else {
			cfg.Paths.DataDir = "."
		}
	}
	if strings.HasPrefix(cfg.Paths.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Paths.DataDir = filepath.Join(home, cfg.Paths.DataDir[1:])
		}
	}
	if cfg.Paths.LockPath == "" {
		cfg.Paths.LockPath = filepath.Join(cfg.Paths.DataDir, "gateway.lock")
	}
}

// DatabasePath returns the sqlite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "parley.db")
}
