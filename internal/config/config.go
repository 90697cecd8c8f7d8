package config

import "sync"

// Config is the root configuration for the conductor service.
type Config struct {
	Vault     string          `json:"vault"`               // filesystem root agent runs execute against; parent of agent-files/
	Log       LogConfig       `json:"log,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	API       APIConfig       `json:"api,omitempty"`
	Ollama    OllamaConfig    `json:"ollama,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug|info|warn|error (default "info")
	Format string `json:"format,omitempty"` // "json" or "pretty" (default "pretty")
}

// DatabaseConfig locates the embedded SQLite database.
type DatabaseConfig struct {
	Path string `json:"path,omitempty"` // default ~/.conductor/conductor.db
}

// AgentConfig holds defaults for agent invocations.
type AgentConfig struct {
	Model         string `json:"model,omitempty"`          // global default model or alias (default "sonnet")
	TimeoutSec    int    `json:"timeout_sec,omitempty"`    // per-task wall clock (default 300)
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // accepted range 1..10; execution stays serial
	QueueSize     int    `json:"queue_size,omitempty"`     // dispatcher queue bound (default 64)
	BinPath       string `json:"bin_path,omitempty"`       // agent binary (default "claude")
}

// APIConfig configures the Anthropic Messages API backend.
// The key is never persisted, it is read from env ANTHROPIC_API_KEY.
type APIConfig struct {
	APIKey       string `json:"-"`
	DefaultModel string `json:"default_model,omitempty"` // model for api-mode jobs without one
	MaxTokens    int    `json:"max_tokens,omitempty"`    // completion cap (default 8192)
}

// OllamaConfig configures the local-model provider used by ollama: models.
type OllamaConfig struct {
	BaseURL string `json:"base_url,omitempty"` // env OLLAMA_BASE_URL (default http://localhost:11434)
}

// GatewayConfig configures the HTTP trigger/CRUD surface.
// Token comes from env CONDUCTOR_API_TOKEN only; empty = unauthenticated.
type GatewayConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"`
}

// ChannelsConfig groups chat channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the Telegram channel.
// Token comes from env TELEGRAM_BOT_TOKEN only.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	Token         string   `json:"-"`
	AllowFrom     []string `json:"allow_from,omitempty"`       // user ids or usernames allowed to chat
	PrimaryChatID int64    `json:"primary_chat_id,omitempty"`  // target of cron 'telegram' output
	RateLimitRPS  float64  `json:"rate_limit_rps,omitempty"`   // outbound sends per second (default 1)
	MediaMaxBytes int64    `json:"media_max_bytes,omitempty"`  // attachment download cap (default 20MB)
}

// DiscordConfig configures the Discord channel.
// Token comes from env DISCORD_BOT_TOKEN only.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"-"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export of task spans.
// Requires building with -tags otel.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local collectors)
	ServiceName string            `json:"service_name,omitempty"` // default "conductor"
	Headers     map[string]string `json:"headers,omitempty"`      // extra OTLP headers
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`   // machine name on the tailnet
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // env TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS for HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Vault = src.Vault
	c.Log = src.Log
	c.Database = src.Database
	c.Agent = src.Agent
	c.API = src.API
	c.Ollama = src.Ollama
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// VaultPath returns the expanded vault path.
func (c *Config) VaultPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Vault)
}

// DatabasePath returns the expanded SQLite file path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// TimeoutSec returns the effective per-task timeout in seconds.
func (c *Config) TimeoutSec() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.TimeoutSec > 0 {
		return c.Agent.TimeoutSec
	}
	return 300
}

// GlobalModel returns the configured default model or alias.
func (c *Config) GlobalModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent.Model
}

// OllamaBaseURL returns the local-model provider endpoint.
func (c *Config) OllamaBaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Ollama.BaseURL
}
