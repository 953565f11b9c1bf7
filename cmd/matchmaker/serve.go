package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/guest-match/config"
	"github.com/mossy-p/guest-match/internal/cache"
	"github.com/mossy-p/guest-match/internal/handlers"
	"github.com/mossy-p/guest-match/internal/hub"
	"github.com/mossy-p/guest-match/internal/redis"
	"github.com/mossy-p/guest-match/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the matchmaking server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		setupLogging(cfg)
		return serve(cmd.Context(), cfg)
	},
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, closeKV := openCache(ctx, cfg)
	defer closeKV()

	sessions := session.NewStore(kv, session.NewTokenIssuer(cfg.TokenSecret), cfg.SessionTTL)
	matchmaker := hub.New(hub.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		SearchTimeout:    cfg.SearchTimeout,
	}, sessions)

	hubDone := make(chan struct{})
	go sessions.Run(ctx)
	go func() {
		defer close(hubDone)
		matchmaker.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.New(cfg, matchmaker, sessions).NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Environment).Msg("matchmaker started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-hubDone
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	// the hub closes every websocket with going away before the listener stops
	<-hubDone
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	log.Info().Msg("server exited gracefully")
	return nil
}

// openCache returns the Redis store behind a memory fallback, or plain
// memory when Redis is disabled
func openCache(ctx context.Context, cfg *config.Config) (cache.Store, func()) {
	if !cfg.Redis.Enabled {
		log.Warn().Str("module", "cache").Msg("redis disabled, sessions live in memory only")
		return cache.NewMemory(), func() {}
	}
	primary := redis.Connect(ctx, cfg.Redis)
	kv := cache.NewFallback(primary, cfg.Redis.Timeout, cfg.Redis.ProbeInterval)
	return kv, func() {
		if err := primary.Close(); err != nil {
			log.Warn().Err(err).Str("module", "redis").Msg("close redis")
		}
	}
}
