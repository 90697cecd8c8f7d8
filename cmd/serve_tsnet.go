//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/al-how/claude-conductor/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener so the trigger
// surface is reachable from other machines without exposing a public port.
// Returns a cleanup func, or nil when no hostname is configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		AuthKey:   cfg.Tailscale.AuthKey,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.Tailscale.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed",
			"hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tailscale serve error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	slog.Info("gateway listening on tailnet",
		"hostname", cfg.Tailscale.Hostname, "tls", cfg.Tailscale.EnableTLS)

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
