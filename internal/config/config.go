package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	HTTP          struct {
		Addr string `json:"addr"`
	} `json:"http"`
	Agent struct {
		Binary       string `json:"binary"`
		Model        string `json:"model"`
		SystemPrompt string `json:"system_prompt"`
	} `json:"agent"`
	Sandbox struct {
		Provider string `json:"provider"`
		WorkDir  string `json:"work_dir"`
		User     string `json:"user"`
	} `json:"sandbox"`
	Permission struct {
		APIBaseURL     string   `json:"api_base_url"`
		ServerCommand  []string `json:"server_command"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	} `json:"permission"`
	Checkpoint struct {
		MaxRetained int `json:"max_retained"`
	} `json:"checkpoint"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Permission.TimeoutSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".sandbridge"),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.HTTP.Addr = "127.0.0.1:8420"
	cfg.Agent.Binary = "claude"
	cfg.Agent.Model = "sonnet"
	cfg.Sandbox.Provider = "local"
	cfg.Sandbox.WorkDir = filepath.Join(cfg.DataDir, "workspaces")
	cfg.Permission.APIBaseURL = "http://127.0.0.1:8420"
	cfg.Permission.TimeoutSeconds = 300
	cfg.Checkpoint.MaxRetained = 20

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
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if binary := os.Getenv("SANDBRIDGE_AGENT_BINARY"); binary != "" {
		cfg.Agent.Binary = binary
	}
	if model := os.Getenv("SANDBRIDGE_AGENT_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if addr := os.Getenv("SANDBRIDGE_HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
