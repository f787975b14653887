// Package config defines the chatrelay configuration: a JSON5 file with
// defaults, overlaid by CHATRELAY_* environment variables. Secrets (API
// keys, bot tokens, the Postgres DSN) are env-only and never persisted.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Duration is a time.Duration that unmarshals from a Go duration string
// ("30s", "5m") or a number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the chatrelay runtime.
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// EngineConfig is the closed option set governing batching, retries, and
// the chat loop.
type EngineConfig struct {
	MaxHistory        int      `json:"max_history,omitempty"`         // cap on session messages (default 100)
	MaxToolIterations int      `json:"max_tool_iterations,omitempty"` // LLM tool-call loops per batch (default 5)
	MaxTools          int      `json:"max_tools,omitempty"`           // tools exposed to the LLM (0 = unlimited)
	CoalesceWindow    Duration `json:"coalesce_window,omitempty"`     // burst window before a batch promotes (default 500ms)
	RotationInterval  Duration `json:"rotation_interval,omitempty"`   // thinking-message & heartbeat cadence (default 5s)
	HeartbeatTimeout  Duration `json:"heartbeat_timeout,omitempty"`   // stuck detection window (default 30s)
	HardCeiling       Duration `json:"hard_ceiling,omitempty"`        // absolute batch wall-clock limit (default 5m)
	MaxRetries        int      `json:"max_retries,omitempty"`         // batch retry attempts (default 3)
	BaseDelay         Duration `json:"base_delay,omitempty"`          // first retry delay (default 1s)
	Backoff           float64  `json:"backoff,omitempty"`             // retry delay multiplier (default 2.0)
	CapDelay          Duration `json:"cap_delay,omitempty"`           // retry delay ceiling (default 60s)
	SystemPrompt      string   `json:"system_prompt,omitempty"`

	// HistoryStrategy is "turns" (default, multi-turn messages) or
	// "inline" (history embedded XML-tagged into the user message, for
	// gateways that handle multi-turn poorly).
	HistoryStrategy string `json:"history_strategy,omitempty"`

	// SweepSchedule is a cron expression for the stuck-batch sweeper
	// (default "* * * * *", every minute).
	SweepSchedule string `json:"sweep_schedule,omitempty"`

	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
}

// OrchestratorConfig controls multi-step execution plans.
type OrchestratorConfig struct {
	MaxSteps          int  `json:"max_steps,omitempty"`       // plan size ceiling (default 10)
	MaxParallel       int  `json:"max_parallel,omitempty"`    // concurrency per wave (default 3)
	StepTimeoutMs     int  `json:"step_timeout_ms,omitempty"` // per-step wall clock (default 60000)
	ContinueOnError   bool `json:"continue_on_error,omitempty"`
	UseLLMAggregation bool `json:"use_llm_aggregation,omitempty"`
}

// StepTimeout returns the per-step timeout as a duration.
func (o OrchestratorConfig) StepTimeout() time.Duration {
	if o.StepTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.StepTimeoutMs) * time.Millisecond
}

// ChannelsConfig holds the transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`

	// RatePerChat limits outbound send/edit calls per chat per second
	// (default 1.0, burst 4). Telegram throttles message edits hard.
	RatePerChat float64 `json:"rate_per_chat,omitempty"`
	RateBurst   int     `json:"rate_burst,omitempty"`
}

// TelegramConfig configures the Telegram transport (long polling).
// Token comes from env CHATRELAY_TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Enabled  bool     `json:"enabled,omitempty"`
	Token    string   `json:"-"`
	AdminIDs []string `json:"admin_ids,omitempty"` // user IDs that see debug footers
	Proxy    string   `json:"proxy,omitempty"`
}

// DiscordConfig configures the Discord transport.
// Token comes from env CHATRELAY_DISCORD_TOKEN only.
type DiscordConfig struct {
	Enabled  bool     `json:"enabled,omitempty"`
	Token    string   `json:"-"`
	AdminIDs []string `json:"admin_ids,omitempty"`
}

// ProvidersConfig selects and configures LLM providers.
type ProvidersConfig struct {
	Default   string         `json:"default,omitempty"` // "anthropic" or "openai"
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig holds one provider's settings. APIKey is env-only.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	Token          string   `json:"-"` // from env CHATRELAY_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file — only from env
// CHATRELAY_POSTGRES_DSN. When unset, the runtime falls back to SQLite at
// SQLitePath; an empty SQLitePath keeps everything in memory.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// MCPConfig maps server names to MCP server connection settings.
type MCPConfig struct {
	Servers map[string]*MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one remote tool server.
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // "stdio" (default), "sse", "http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"` // connect timeout (default 10)
	Disabled   bool              `json:"disabled,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (c *MCPServerConfig) IsEnabled() bool { return c != nil && !c.Disabled }

// TelemetryConfig configures OpenTelemetry OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the gateway.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env CHATRELAY_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's
// mutex. Used by the hot-reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Engine = src.Engine
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.MCP = src.MCP
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// EngineSnapshot returns a copy of the engine options so the hot path can
// read them without holding the config lock across a batch.
func (c *Config) EngineSnapshot() EngineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Engine
}

// MarshalForDump serializes the config for the /debug command and the
// doctor check. Secret fields carry the `json:"-"` tag and never appear.
func (c *Config) MarshalForDump() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.MarshalIndent(struct {
		Engine    EngineConfig    `json:"engine"`
		Channels  ChannelsConfig  `json:"channels"`
		Providers ProvidersConfig `json:"providers"`
		Gateway   GatewayConfig   `json:"gateway"`
		Database  DatabaseConfig  `json:"database"`
		MCP       MCPConfig       `json:"mcp"`
		Telemetry TelemetryConfig `json:"telemetry"`
	}{c.Engine, c.Channels, c.Providers, c.Gateway, c.Database, c.MCP, c.Telemetry}, "", "  ")
}
