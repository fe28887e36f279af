package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/api"
	"github.com/eldtechnologies/relay/internal/auth"
	"github.com/eldtechnologies/relay/internal/config"
	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/handlers"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/protocol"
	"github.com/eldtechnologies/relay/internal/relay"
	"github.com/eldtechnologies/relay/internal/rooms"
	"github.com/eldtechnologies/relay/internal/store"
	"github.com/eldtechnologies/relay/internal/typing"
	"github.com/eldtechnologies/relay/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

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

	ctx := context.Background()

	// Initialize Redis collaborator (optional)
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	} else {
		logger.Info().Msg("no REDIS_URL set, running fully in-memory")
	}

	// Assemble the relay core
	verifier := auth.NewVerifier(cfg.JWTSecret)

	registry := presence.NewRegistry(func(userID string) {
		logger.Info().Str("user_id", userID).Msg("user went offline")
	})
	directory := rooms.NewDirectory()

	gw := gateway.New(registry, directory, logger)

	coordinator := typing.NewCoordinator(cfg.TypingTTL, func(ev typing.Event) {
		gw.EmitToRoom(ev.RoomID, protocol.EventUserTyping, protocol.UserTypingPayload{
			UserID:         ev.UserID,
			Username:       ev.Username,
			ConversationID: ev.RoomID,
			IsTyping:       ev.Typing,
		}, ev.OriginConn)
	})
	defer coordinator.Close()

	var sink relay.Sink
	if redisStore != nil {
		sink = redisStore
	}
	messageRelay := relay.New(directory, coordinator, gw, sink, logger)

	var history ws.History
	if redisStore != nil {
		history = redisStore
	}
	wsHandler := ws.NewHandler(verifier, registry, directory, coordinator, messageRelay, gw, history, ws.Options{
		AllowAnonymous: cfg.AllowAnonymous,
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
	}, logger)

	// Periodic sweep for stale empty rooms
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := directory.SweepStale(cfg.RoomSweepAge); n > 0 {
					logger.Info().Int("removed", n).Msg("swept stale rooms")
				}
			}
		}
	}()

	// Create router
	h := handlers.NewHandler(registry, directory, coordinator, gw, redisStore)
	router := api.NewRouter(logger, h, wsHandler, redisStore)

	// Create server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("anonymous_connect", cfg.AllowAnonymous).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Tell connected clients before the listener goes away
	messageRelay.SystemNotification(map[string]string{
		"type":    "shutdown",
		"message": "server is shutting down",
	})

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
