package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/bootstrap"
	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/channels"
	"github.com/al-how/claude-conductor/internal/channels/discord"
	"github.com/al-how/claude-conductor/internal/channels/telegram"
	"github.com/al-how/claude-conductor/internal/config"
	"github.com/al-how/claude-conductor/internal/cron"
	"github.com/al-how/claude-conductor/internal/dispatch"
	"github.com/al-how/claude-conductor/internal/gateway"
	"github.com/al-how/claude-conductor/internal/history"
	"github.com/al-how/claude-conductor/internal/store"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor service",
		Long:  "Starts the cron scheduler, the agent dispatcher, the chat channels, and the HTTP gateway in one process.",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()

	// First run without a config file: headless environments (Docker, CI)
	// onboard from env vars, everyone else gets a pointer to the wizard.
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if canAutoOnboard() {
			if !runAutoOnboard(cfgPath) {
				os.Exit(1)
			}
		} else {
			fmt.Printf("No config file at %s, running on defaults. Create one with: conductor onboard\n", cfgPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	initLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := bootstrap.EnsureVaultFiles(cfg.VaultPath())
	if err != nil {
		slog.Error("vault directory unavailable", "path", cfg.VaultPath(), "error", err)
		os.Exit(1)
	}
	if len(created) > 0 {
		slog.Info("vault seeded", "path", cfg.VaultPath(), "files", created)
	}

	st := store.New(cfg.DatabasePath(), store.WithLogger(slog.Default()))
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		slog.Error("store init failed", "path", cfg.DatabasePath(), "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	invoker := agent.NewProcessInvoker(cfg.Agent.BinPath, msgBus)
	var apiInvoker *agent.APIInvoker
	if cfg.API.APIKey != "" {
		apiInvoker = agent.NewAPIInvoker(cfg.API.APIKey, cfg.API.DefaultModel, cfg.API.MaxTokens)
	}

	dispatcher := dispatch.New(dispatch.Config{
		QueueSize:     cfg.Agent.QueueSize,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
	}, invoker, msgBus)
	dispatcher.Start()
	defer dispatcher.Stop()

	sched := cron.New(st, dispatcher, history.NewManager(cfg.VaultPath()), msgBus, cronConfig(cfg, apiInvoker))

	channelMgr := channels.NewManager(msgBus)
	tgChannel := registerChannels(channelMgr, cfg, msgBus)

	// Scheduled jobs with output=telegram deliver to the primary chat. The
	// delivered text also becomes a stored assistant turn so follow-up chat
	// messages see it in their conversation context.
	if tgChannel != nil && tgChannel.PrimaryChatID() != 0 {
		primary := tgChannel.PrimaryChatID()
		sched.SetChatSink(func(text string) error {
			sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer sinkCancel()
			if err := st.SaveMessage(sinkCtx, primary, "assistant", text); err != nil {
				slog.Warn("recording scheduled output failed", "chat_id", primary, "error", err)
			}
			return channelMgr.SendToChannel(sinkCtx, "telegram", strconv.FormatInt(primary, 10), text)
		})
	}

	server := gateway.NewServer(cfg, st, sched, msgBus)
	mux := server.BuildMux()

	// Optional integrations, compiled via build tags:
	// `go build -tags tsnet` and `go build -tags otel`.
	if cleanup := initTailscale(ctx, cfg, mux); cleanup != nil {
		defer cleanup()
	}
	if cleanup := initTelemetry(ctx, cfg, msgBus); cleanup != nil {
		defer cleanup()
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	cons := newConsumer(st, dispatcher, msgBus, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig.String())
		msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
		cancel()
	}()

	slog.Info("conductor starting",
		"version", Version,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"vault", cfg.VaultPath(),
		"channels", channelMgr.Status(),
	)
	msgBus.Broadcast(bus.Event{Name: protocol.EventStartup, Payload: map[string]any{"version": Version}})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { cons.Run(gctx); return nil })
	g.Go(func() error { return watchConfig(gctx, cfgPath, cfg, sched, apiInvoker) })

	runErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := channelMgr.StopAll(stopCtx); err != nil {
		slog.Warn("channel shutdown error", "error", err)
	}
	sched.Stop()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("service error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("conductor stopped")
}

// initLogging installs the process-wide slog handler from the log config
// (LOG_LEVEL, LOG_FORMAT). The --verbose flag forces debug.
func initLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// registerChannels wires every enabled chat channel into the manager and
// returns the telegram channel when there is one, for the cron chat sink.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) *telegram.Channel {
	var tg *telegram.Channel

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
			tg = ch
		}
	} else if cfg.Channels.Telegram.Enabled {
		slog.Warn("telegram enabled but TELEGRAM_BOT_TOKEN is not set")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	} else if cfg.Channels.Discord.Enabled {
		slog.Warn("discord enabled but DISCORD_BOT_TOKEN is not set")
	}

	return tg
}

// cronConfig maps service configuration onto scheduler execution settings.
func cronConfig(cfg *config.Config, apiInvoker *agent.APIInvoker) cron.Config {
	return cron.Config{
		VaultPath:       cfg.VaultPath(),
		GlobalModel:     cfg.GlobalModel(),
		TaskTimeout:     time.Duration(cfg.TimeoutSec()) * time.Second,
		APIInvoker:      apiInvoker,
		APIDefaultModel: cfg.API.DefaultModel,
		OllamaBaseURL:   cfg.OllamaBaseURL(),
	}
}

// watchConfig hot-reloads the config file and pushes refreshed execution
// settings into the scheduler. Returns nil on context cancellation.
func watchConfig(ctx context.Context, path string, cfg *config.Config, sched *cron.Scheduler, apiInvoker *agent.APIInvoker) error {
	err := config.Watch(ctx, path, func(fresh *config.Config) {
		cfg.ReplaceFrom(fresh)
		sched.UpdateConfig(cronConfig(cfg, apiInvoker))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
