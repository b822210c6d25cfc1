package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Agent         struct {
		BaseURL        string `json:"base_url"`
		AppName        string `json:"app_name"`
		UserID         string `json:"user_id"`
		RunPath        string `json:"run_path"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"agent"`
	Stream struct {
		SectionAnchor string `json:"section_anchor"`
	} `json:"stream"`
	Usage struct {
		Model string `json:"model"`
	} `json:"usage"`
	History struct {
		Backend string `json:"backend"`
		DSN     string `json:"dsn" secret:"true"`
	} `json:"history"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Telegram struct {
		Token string `json:"token" secret:"true"`
	} `json:"telegram"`
	Slack struct {
		Token  string `json:"token" secret:"true"`
		APIURL string `json:"api_url,omitempty"`
	} `json:"slack"`
}

// Postgres reports whether message history lives in Postgres.
func (c *Config) Postgres() bool {
	return strings.EqualFold(c.History.Backend, "postgres")
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".selecta"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.Agent.BaseURL = "http://localhost:8000"
	cfg.Agent.AppName = "selecta"
	cfg.Agent.UserID = "default"
	cfg.Agent.RunPath = "/run_sse"
	cfg.Agent.TimeoutSeconds = 30
	cfg.Stream.SectionAnchor = "### Summary"
	cfg.Usage.Model = "gpt-4"
	cfg.History.Backend = "file"
	cfg.HTTP.Listen = "127.0.0.1:8990"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("SELECTA_API_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("SELECTA_APP_NAME"); v != "" {
		cfg.Agent.AppName = v
	}
	if v := os.Getenv("SELECTA_USER_ID"); v != "" {
		cfg.Agent.UserID = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("SELECTA_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeRaw(path, data)
}

// ToMap converts cfg into its nested JSON object form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the flattened configuration, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key in the config
// file. Keys outside the Config struct are visible too.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. The value is
// parsed as the type of the Config field the key names and checked against
// that key's rule; unknown keys are rejected.
func SetValue(path, key, value string) error {
	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}
	if err := checkValue(key, parsed); err != nil {
		return err
	}

	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	flat[key] = parsed
	nested, err := Unflatten(flat)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeRaw(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

func writeRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
