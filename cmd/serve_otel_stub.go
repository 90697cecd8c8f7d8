//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/config"
)

// initTelemetry is a no-op unless built with -tags otel.
func initTelemetry(_ context.Context, cfg *config.Config, _ *bus.MessageBus) func() {
	if cfg.Telemetry.Enabled {
		slog.Warn("telemetry.enabled set but this binary was built without -tags otel")
	}
	return nil
}
