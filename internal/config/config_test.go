package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxHistory != 100 {
		t.Errorf("MaxHistory = %d, want 100", cfg.Engine.MaxHistory)
	}
	if cfg.Engine.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d, want 5", cfg.Engine.MaxToolIterations)
	}
	if got := cfg.Engine.RotationInterval.Std(); got != 5*time.Second {
		t.Errorf("RotationInterval = %v, want 5s", got)
	}
	if got := cfg.Engine.HeartbeatTimeout.Std(); got != 30*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 30s", got)
	}
	if got := cfg.Engine.HardCeiling.Std(); got != 5*time.Minute {
		t.Errorf("HardCeiling = %v, want 5m", got)
	}
	if cfg.Engine.Backoff != 2.0 {
		t.Errorf("Backoff = %v, want 2.0", cfg.Engine.Backoff)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		// comments are allowed
		engine: {
			max_history: 50,
			heartbeat_timeout: "45s",
			base_delay: 2000,
		},
		gateway: { port: 9999 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxHistory != 50 {
		t.Errorf("MaxHistory = %d, want 50", cfg.Engine.MaxHistory)
	}
	if got := cfg.Engine.HeartbeatTimeout.Std(); got != 45*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 45s", got)
	}
	if got := cfg.Engine.BaseDelay.Std(); got != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s (from ms number)", got)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Gateway.Port)
	}
	// Unset options keep their defaults.
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Engine.MaxRetries)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxHistory != 100 {
		t.Errorf("MaxHistory = %d, want 100", cfg.Engine.MaxHistory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_TELEGRAM_TOKEN", "tok-123")
	t.Setenv("CHATRELAY_PORT", "7777")
	t.Setenv("CHATRELAY_ADMIN_IDS", "1,2")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("Token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("Port = %d, want 7777", cfg.Gateway.Port)
	}
	if len(cfg.Channels.Telegram.AdminIDs) != 2 {
		t.Errorf("AdminIDs = %v", cfg.Channels.Telegram.AdminIDs)
	}
}

func TestSecretsNeverSerialized(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-secret"
	cfg.Gateway.Token = "gw-secret"
	cfg.Database.PostgresDSN = "postgres://u:p@h/db"

	data, err := cfg.MarshalForDump()
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"sk-secret", "gw-secret", "u:p@h"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("serialized config leaks secret %q", secret)
		}
	}
}
