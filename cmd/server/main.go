package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/moderation"
	"github.com/Tyrowin/nexushub/internal/server"
)

func main() {
	// Load configuration
	server.LoadDotEnv()
	cfg := server.NewConfigFromEnv()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	} else {
		logger.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		logger = logger.Level(zerolog.InfoLevel)
	}

	// Open stores
	registry, err := identity.Open(cfg.UsersPath(), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.UsersPath()).Msg("failed to load users")
	}

	chat, err := chatlog.Open(chatlog.Options{
		Path:      cfg.ChatLogPath(),
		Window:    cfg.ChatWindow,
		MaxLength: cfg.ChatMaxLength,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChatLogPath()).Msg("failed to load chat log")
	}

	rooms, err := channels.Open(registry, channels.Options{
		Path:      cfg.ChannelsPath(),
		MaxLength: cfg.ChatMaxLength,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChannelsPath()).Msg("failed to load channels")
	}

	srv := server.NewServer(*cfg, server.Deps{
		Registry: registry,
		Chat:     chat,
		Channels: rooms,
		Filter:   moderation.NewDetector(),
	}, logger)
	srv.Start()

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", srv.Config().Port).
			Str("env", cfg.Environment).
			Int("messages", chat.Len()).
			Int("channels", rooms.Count()).
			Msg("starting nexushub server")

		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown incomplete")
	}

	logger.Info().Msg("server stopped")
}
