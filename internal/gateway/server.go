// Package gateway is the HTTP surface: a small REST API over the
// engine plus a websocket firehose of queue lifecycle events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/engine"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

// Core is the engine surface the gateway serves. *engine.Engine
// implements it.
type Core interface {
	ReceiveMessage(ctx context.Context, input transport.ParsedInput) (bool, error)
	HandleSync(ctx context.Context, input transport.ParsedInput) (string, error)
	BatchState(ctx context.Context, key session.Key) (engine.BatchSnapshot, error)
	Metadata(ctx context.Context, key session.Key) (map[string]string, error)
	SetMetadata(ctx context.Context, key session.Key, name, value string) error
	ClearHistory(ctx context.Context, key session.Key) error
	ReceiveCallback(ctx context.Context, input transport.ParsedInput, data string) error
	DebugReport(ctx context.Context, key session.Key) string
}

// Server hosts the REST endpoints and the websocket hub.
type Server struct {
	cfg     *config.Config
	core    Core
	version string
	started time.Time

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, core Core, version string) *Server {
	s := &Server{
		cfg:     cfg,
		core:    core,
		version: version,
		started: time.Now(),
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the websocket Origin header against the
// configured allowlist. No configuration allows everything; an empty
// Origin (CLI and SDK clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the route table. Call before Start when
// the same routes must be served on an extra listener (Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RouteHealth, s.handleHealth)
	mux.Handle(protocol.RouteMessage, s.auth(s.handleMessage))
	mux.Handle(protocol.RouteSync, s.auth(s.handleSync))
	mux.Handle(protocol.RouteBatch, s.auth(s.handleBatch))
	mux.Handle(protocol.RouteMetadata, s.auth(s.handleMetadata))
	mux.Handle(protocol.RouteCallback, s.auth(s.handleCallback))
	mux.Handle(protocol.RouteClear, s.auth(s.handleClear))
	mux.Handle(protocol.RouteDebug, s.auth(s.handleDebug))
	mux.Handle(protocol.RouteEvents, s.auth(s.handleEvents))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	if s.cfg.Gateway.Token == "" {
		slog.Warn("gateway.auth_disabled", "reason", "CHATRELAY_GATEWAY_TOKEN not set")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// auth enforces the bearer token on every route except /healthz. An
// empty configured token disables auth (local development); Start logs
// that loudly.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.Token
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			// Websocket browser clients cannot set headers; accept the
			// token as a query parameter there.
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway.write_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
