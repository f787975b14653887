//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// initTailscale exposes the gateway on the tailnet as its own node. The
// regular listener keeps running; this is an additional surface.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) (func(), error) {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return func() {}, nil
	}
	if ts.AuthKey == "" {
		return func() {}, fmt.Errorf("tailscale: hostname set but CHATRELAY_TSNET_AUTH_KEY is not")
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		srv.Close()
		return func() {}, fmt.Errorf("tailscale listen: %w", err)
	}
	slog.Info("tailscale.listening", "hostname", ts.Hostname)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
			slog.Error("tailscale.serve_failed", "error", err)
		}
	}()

	return func() {
		_ = httpSrv.Close()
		_ = srv.Close()
	}, nil
}
