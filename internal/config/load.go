package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Vault: "~/.conductor/vault",
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
		Database: DatabaseConfig{
			Path: "~/.conductor/conductor.db",
		},
		Agent: AgentConfig{
			Model:         "sonnet",
			TimeoutSec:    300,
			MaxConcurrent: 1,
			QueueSize:     64,
			BinPath:       "claude",
		},
		API: APIConfig{
			MaxTokens: 8192,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8790,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				RateLimitRPS:  1,
				MediaMaxBytes: 20 * 1024 * 1024,
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "conductor",
		},
	}
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. Environment variables override file values last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("VAULT_PATH", &c.Vault)
	envStr("DB_PATH", &c.Database.Path)
	envStr("LOG_LEVEL", &c.Log.Level)
	envStr("LOG_FORMAT", &c.Log.Format)
	envStr("HOST", &c.Gateway.Host)
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}

	envStr("ANTHROPIC_API_KEY", &c.API.APIKey)
	envStr("OLLAMA_BASE_URL", &c.Ollama.BaseURL)
	envStr("CONDUCTOR_API_TOKEN", &c.Gateway.Token)
	envStr("TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	envStr("TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	envStr("DISCORD_BOT_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Validate rejects values outside their accepted ranges.
func (c *Config) Validate() error {
	if c.Agent.MaxConcurrent < 1 || c.Agent.MaxConcurrent > 10 {
		return fmt.Errorf("agent.max_concurrent %d out of range [1,10]", c.Agent.MaxConcurrent)
	}
	if c.Agent.QueueSize < 1 {
		return fmt.Errorf("agent.queue_size %d must be positive", c.Agent.QueueSize)
	}
	if c.Agent.TimeoutSec < 1 {
		return fmt.Errorf("agent.timeout_sec %d must be positive", c.Agent.TimeoutSec)
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range [1,65535]", c.Gateway.Port)
	}
	return nil
}

// Save writes the configuration to path as indented JSON. The write goes
// through a temp file in the same directory followed by a rename, so a
// concurrent reader never observes a partial file.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
