package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TexteaInc/y-socket.io/internal/config"
	"github.com/TexteaInc/y-socket.io/internal/persistence"
	"github.com/TexteaInc/y-socket.io/internal/room"
	"github.com/TexteaInc/y-socket.io/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open persistence backend")
	}
	defer closeStore()

	registry := room.NewRegistry(store, cfg.Room.AutoDelete)
	ctl := &server.Controller{
		Registry:   registry,
		GetUserID:  server.SessionUserID,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}

	r := server.SetupRouter(cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("sync server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Flush every live room so no document state is lost on shutdown.
	for _, name := range registry.Rooms() {
		if err := registry.Close(shutdownCtx, name); err != nil {
			log.Error().Err(err).Str("room", string(name)).Msg("flush on shutdown")
		}
	}
	log.Info().Msg("Server exited gracefully")
}

func buildStore(cfg *config.Config) (persistence.Store, func(), error) {
	switch cfg.Persistence.Backend {
	case "sqlite":
		s, err := persistence.NewSqlite(cfg.Persistence.SqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		s := persistence.NewRedis(cfg.Persistence.RedisAddr, cfg.Persistence.RedisTTL)
		return s, func() { _ = s.Close() }, nil
	default:
		return persistence.Noop{}, func() {}, nil
	}
}
