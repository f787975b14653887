package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/engine"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	"github.com/nextlevelbuilder/chatrelay/internal/mcp"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/internal/telemetry"
	"github.com/nextlevelbuilder/chatrelay/internal/tools"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
	"github.com/nextlevelbuilder/chatrelay/internal/transport/discord"
	"github.com/nextlevelbuilder/chatrelay/internal/transport/telegram"
)

const shutdownGrace = 10 * time.Second

const (
	codeWorkerPrompt = "You are a senior software engineer. Answer with working, idiomatic code " +
		"and a short explanation. Prefer complete examples over fragments."
	researchWorkerPrompt = "You are a research assistant. Gather the relevant facts, cite what you " +
		"used, and present a structured answer. Say so when you are unsure."
	generalWorkerPrompt = "You are a capable general assistant. Answer clearly and concisely."
)

func runServe() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	slog.Info("serve.starting", "version", Version, "config", cfgPath)

	if err := runWith(ctx, cfg, cfgPath); err != nil && ctx.Err() == nil {
		slog.Error("serve.exit", "error", err)
		os.Exit(1)
	}
	slog.Info("serve.stopped")
}

func runWith(ctx context.Context, cfg *config.Config, cfgPath string) error {
	// Telemetry first so spans cover startup.
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry.init_failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = shutdownTelemetry(flushCtx)
		}()
	}

	sessions, events, closeStore, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	mcpManager := mcp.NewManager(registry, cfg.MCP.Servers)
	if err := mcpManager.Start(ctx); err != nil {
		slog.Warn("mcp.partial_connect", "error", err)
	}
	defer mcpManager.Stop()

	transports := transport.NewManager(cfg.Channels.RatePerChat, cfg.Channels.RateBurst)

	workers := router.NewRegistry()
	classifier := router.NewClassifier(provider, provider.DefaultModel())
	rtr := router.New(workers, classifier)

	// The gateway needs the engine for request handling and the engine
	// needs the gateway for event fan-out; break the cycle with a
	// late-bound closure.
	var gw *gateway.Server
	notify := func(event, sessionKey string, payload any) {
		if gw != nil {
			gw.Notify(event, sessionKey, payload)
		}
	}

	eng := engine.New(cfg, sessions, provider, registry, transports,
		engine.WithRouter(rtr),
		engine.WithEventSink(events),
		engine.WithNotify(notify),
	)
	defer eng.Shutdown()

	registerWorkers(workers, provider, cfg, eng.DelegationSink())

	gw = gateway.NewServer(cfg, eng, Version)
	transports.Register(gateway.NewRESTTransport(gw))

	adapters, err := startChannels(ctx, cfg, eng, transports)
	if err != nil {
		return err
	}
	defer stopChannels(adapters)

	if err := eng.StartSweeper(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil && ctx.Err() == nil {
			slog.Warn("config.watch_stopped", "error", err)
		}
	}()

	cleanupTS, err := initTailscale(ctx, cfg, gw.BuildMux())
	if err != nil {
		return err
	}
	defer cleanupTS()

	return gw.Start(ctx)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStores picks the persistence backend: Postgres when a DSN is set,
// else SQLite when a path is set, else in-memory.
func openStores(cfg *config.Config) (store.SessionStore, store.EventSink, func(), error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := pg.Open(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("store.selected", "backend", "postgres")
		return pg.NewSessionStore(db), pg.NewEventSink(db), func() { _ = db.Close() }, nil
	}
	if path := cfg.Database.SQLitePath; path != "" {
		db, err := store.OpenSQLite(config.ExpandHome(path))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("store.selected", "backend", "sqlite", "path", path)
		return db, db, func() { _ = db.Close() }, nil
	}
	slog.Info("store.selected", "backend", "memory", "note", "sessions are lost on restart")
	mem := store.NewMemory()
	return mem, mem, func() {}, nil
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	name, pc := cfg.DefaultProvider()
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %s: API key not set (CHATRELAY_%s_API_KEY)",
			name, envSuffix(name))
	}
	switch name {
	case "openai":
		return providers.NewOpenAIProvider(name, pc.APIKey, pc.APIBase, pc.Model), nil
	default:
		return providers.NewAnthropicProvider(pc.APIKey, pc.APIBase, pc.Model), nil
	}
}

func envSuffix(provider string) string {
	if provider == "openai" {
		return "OPENAI"
	}
	return "ANTHROPIC"
}

func registerWorkers(reg *router.Registry, p providers.Provider, cfg *config.Config, complete router.CompleteFunc) {
	model := p.DefaultModel()
	reg.Register(router.TargetCode,
		router.NewLLMWorker("code", p, model, codeWorkerPrompt, complete))
	reg.Register(router.TargetResearch,
		router.NewLLMWorker("research", p, model, researchWorkerPrompt, complete))
	reg.Register(router.TargetGeneral,
		router.NewLLMWorker("general", p, model, generalWorkerPrompt, complete))
	reg.Register(router.TargetOrchestrator,
		router.NewOrchestrator(reg, p, model, cfg.EngineSnapshot().Orchestrator, complete))
}

type channelAdapter interface {
	transport.Transport
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func startChannels(ctx context.Context, cfg *config.Config, eng *engine.Engine, transports *transport.Manager) ([]channelAdapter, error) {
	var adapters []channelAdapter

	if tc := cfg.Channels.Telegram; tc.Enabled {
		a, err := telegram.New(tc, eng)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, a)
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		a, err := discord.New(dc, eng)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			stopChannels(adapters)
			return nil, fmt.Errorf("start %s: %w", a.Platform(), err)
		}
		transports.Register(a)
		slog.Info("channel.started", "platform", a.Platform())
	}
	return adapters, nil
}

func stopChannels(adapters []channelAdapter) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Warn("channel.stop_failed", "platform", a.Platform(), "error", err)
		}
	}
}
