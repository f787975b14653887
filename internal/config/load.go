package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxHistory:        100,
			MaxToolIterations: 5,
			CoalesceWindow:    Duration(500 * time.Millisecond),
			RotationInterval:  Duration(5 * time.Second),
			HeartbeatTimeout:  Duration(30 * time.Second),
			HardCeiling:       Duration(5 * time.Minute),
			MaxRetries:        3,
			BaseDelay:         Duration(time.Second),
			Backoff:           2.0,
			CapDelay:          Duration(60 * time.Second),
			HistoryStrategy:   "turns",
			SweepSchedule:     "* * * * *",
			Orchestrator: OrchestratorConfig{
				MaxSteps:      10,
				MaxParallel:   3,
				StepTimeoutMs: 60000,
			},
		},
		Channels: ChannelsConfig{
			RatePerChat: 1.0,
			RateBurst:   4,
		},
		Providers: ProvidersConfig{
			Default:   "anthropic",
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-5-20250929"},
			OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays environment variables onto the config.
// Env vars take precedence over file values.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATRELAY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CHATRELAY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CHATRELAY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CHATRELAY_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CHATRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CHATRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATRELAY_SQLITE_PATH", &c.Database.SQLitePath)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CHATRELAY_PROVIDER", &c.Providers.Default)
	envStr("CHATRELAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry
	envStr("CHATRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("CHATRELAY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CHATRELAY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CHATRELAY_TSNET_DIR", &c.Tailscale.StateDir)

	// Admin IDs from env (comma-separated), shared across channels.
	if v := os.Getenv("CHATRELAY_ADMIN_IDS"); v != "" {
		ids := strings.Split(v, ",")
		c.Channels.Telegram.AdminIDs = ids
		c.Channels.Discord.AdminIDs = ids
	}
}

// DefaultProvider returns the configured default provider settings.
func (c *Config) DefaultProvider() (name string, pc ProviderConfig) {
	switch c.Providers.Default {
	case "openai":
		return "openai", c.Providers.OpenAI
	default:
		return "anthropic", c.Providers.Anthropic
	}
}

// Checksum hashes a config file's bytes. The watcher uses it to skip
// no-op filesystem events.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
