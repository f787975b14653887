//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) (func(), error) {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale.unavailable", "reason", "binary built without -tags tsnet")
	}
	return func() {}, nil
}
