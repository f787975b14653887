package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

type checkResult struct {
	ok   bool
	warn bool
	msg  string
}

func pass(format string, a ...any) checkResult { return checkResult{ok: true, msg: fmt.Sprintf(format, a...)} }
func warn(format string, a ...any) checkResult { return checkResult{warn: true, msg: fmt.Sprintf(format, a...)} }
func fail(format string, a ...any) checkResult { return checkResult{msg: fmt.Sprintf(format, a...)} }

func runDoctor() {
	cfgPath := resolveConfigPath()
	fmt.Printf("chatrelay doctor (%s)\n\n", Version)

	failures := 0
	report := func(name string, r checkResult) {
		mark := "ok  "
		switch {
		case r.warn:
			mark = "warn"
		case !r.ok:
			mark = "FAIL"
			failures++
		}
		fmt.Printf("  [%s] %-12s %s\n", mark, name, r.msg)
	}

	if _, err := os.Stat(cfgPath); err != nil {
		report("config", warn("%s not found; defaults plus env apply (run `chatrelay onboard`)", cfgPath))
	} else {
		report("config", pass("%s", cfgPath))
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		report("config", fail("parse error: %v", err))
		os.Exit(1)
	}

	report("provider", checkProvider(cfg))
	report("telegram", checkChannel(cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token, "CHATRELAY_TELEGRAM_TOKEN"))
	report("discord", checkChannel(cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token, "CHATRELAY_DISCORD_TOKEN"))
	report("database", checkDatabase(cfg))
	report("gateway", checkGatewayToken(cfg))
	report("mcp", checkMCP(cfg))
	report("runtime", checkRunning(cfg))

	fmt.Println()
	if failures > 0 {
		fmt.Printf("%d check(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Println("all checks passed")
}

func checkProvider(cfg *config.Config) checkResult {
	name, pc := cfg.DefaultProvider()
	if pc.APIKey == "" {
		return fail("%s selected but CHATRELAY_%s_API_KEY is not set", name, envSuffix(name))
	}
	return pass("%s (model %s)", name, pc.Model)
}

func checkChannel(enabled bool, token, envVar string) checkResult {
	if !enabled {
		return pass("disabled")
	}
	if token == "" {
		return fail("enabled but %s is not set", envVar)
	}
	return pass("enabled")
}

func checkDatabase(cfg *config.Config) checkResult {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := pg.Open(dsn)
		if err != nil {
			return fail("postgres: %v", err)
		}
		defer db.Close()
		return pass("postgres reachable")
	}
	if path := cfg.Database.SQLitePath; path != "" {
		dir := filepath.Dir(config.ExpandHome(path))
		if _, err := os.Stat(dir); err != nil {
			return fail("sqlite: directory %s does not exist", dir)
		}
		return pass("sqlite at %s", path)
	}
	return warn("in-memory store; sessions are lost on restart")
}

func checkGatewayToken(cfg *config.Config) checkResult {
	if cfg.Gateway.Token == "" {
		return warn("CHATRELAY_GATEWAY_TOKEN not set; gateway auth is DISABLED")
	}
	return pass("token set, listening on %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
}

func checkMCP(cfg *config.Config) checkResult {
	total, enabled := 0, 0
	for _, sc := range cfg.MCP.Servers {
		total++
		if sc.IsEnabled() {
			enabled++
			if sc.Command == "" && sc.URL == "" {
				return fail("server has neither command nor url")
			}
		}
	}
	if total == 0 {
		return pass("no servers configured")
	}
	return pass("%d/%d servers enabled", enabled, total)
}

// checkRunning probes a locally running gateway. Not an error when the
// runtime is simply not started.
func checkRunning(cfg *config.Config) checkResult {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, cfg.Gateway.Port, protocol.RouteHealth)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return warn("not running (%s unreachable)", url)
	}
	defer resp.Body.Close()

	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return warn("running but health response unreadable: %v", err)
	}
	return pass("running, version %s, platforms %v", health.Version, health.Platforms)
}
