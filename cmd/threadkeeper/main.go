// Command threadkeeper bridges a Discord channel to a coding-agent backend:
// every message in the configured channel becomes a threaded conversation
// with its own backend session, transcripts live in Redis with TTL-based
// expiry, and a reconciler keeps Discord and the store agreed on which
// conversations still exist.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"threadkeeper/internal/claude"
	"threadkeeper/internal/config"
	"threadkeeper/internal/health"
	"threadkeeper/internal/metrics"
	"threadkeeper/internal/orchestrator"
	"threadkeeper/internal/reconciler"
	"threadkeeper/internal/session"
	"threadkeeper/internal/store"
	"threadkeeper/internal/surface"
	"threadkeeper/internal/surface/discord"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("threadkeeper failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable store; a missing Redis is non-fatal, the store degrades.
	st := store.New(ctx, store.Options{
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		ConversationTTL: cfg.ConversationTTL,
		SessionTTL:      cfg.SessionTTL,
		MaxMessages:     cfg.MaxMessages,
		Logger:          logger,
	})
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}()

	backend, err := claude.NewClient(claude.Config{
		Command:        cfg.ClaudeCommand,
		WorkingDir:     cfg.ClaudeWorkDir,
		Model:          cfg.ClaudeModel,
		MCPConfigPath:  cfg.MCPConfigPath,
		SystemPrompt:   cfg.SystemPrompt,
		PermissionMode: cfg.PermissionMode,
		Timeout:        cfg.TurnTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	m := metrics.New()

	registry, err := session.NewRegistry(backend, st, session.Options{
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: cfg.SessionTTL,
		Logger:      logger,
		OnEvict:     m.SessionEvicted,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	ds, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	ds.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	adapter := discord.NewAdapter(ds, logger)
	typing := surface.NewTypingRefresher(adapter, logger)

	orch, err := orchestrator.New(registry, st, adapter, orchestrator.Options{
		ResultTimeout: cfg.TurnTimeout,
		Typing:        typing,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	handler := discord.NewHandler(adapter, orch, cfg.ChannelID, discord.HandlerOptions{
		TurnTimeout: cfg.TurnTimeout,
		Logger:      logger,
	})
	handler.Attach(ds)

	if err := ds.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			logger.Warn("failed to close discord session", slog.String("error", err.Error()))
		}
	}()

	if ok, err := adapter.CanSend(ctx, cfg.ChannelID); err != nil {
		logger.Warn("failed to verify channel permissions", slog.String("error", err.Error()))
	} else if !ok {
		logger.Warn("bot lacks send permission in configured channel",
			slog.String("channel_id", cfg.ChannelID))
	}

	rec, err := reconciler.New(st, adapter, registry, reconciler.Options{
		ParentChannelID: cfg.ChannelID,
		Retention:       cfg.ConversationTTL,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	if err := rec.StartupSweep(ctx); err != nil {
		logger.Warn("startup sweep failed", slog.String("error", err.Error()))
	}

	m.TrackGauges(
		registry.ActiveSessions,
		func() int {
			gaugeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return st.ActiveConversations(gaugeCtx)
		},
		st.Connected,
	)

	healthSrv := health.NewServer(cfg.HealthAddr, func(sctx context.Context) health.Status {
		return health.Status{
			ActiveSessions:      registry.ActiveSessions(),
			ActiveConversations: st.ActiveConversations(sctx),
			StoreConnected:      st.Connected(),
		}
	}, m.Registry(), logger)

	go registry.Run(ctx)
	go rec.Run(ctx)
	go func() {
		if err := healthSrv.Start(); err != nil {
			logger.Error("health server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("threadkeeper running",
		slog.String("channel_id", cfg.ChannelID),
		slog.String("redis_addr", cfg.RedisAddr),
		slog.String("health_addr", cfg.HealthAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	typing.StopAll()
	registry.Shutdown(shutdownCtx)
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return nil
}
