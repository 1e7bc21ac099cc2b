package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/gochat-relay/internal/api"
	"github.com/npezzotti/gochat-relay/internal/auth"
	"github.com/npezzotti/gochat-relay/internal/config"
	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/logging"
	"github.com/npezzotti/gochat-relay/internal/server"
	"github.com/npezzotti/gochat-relay/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, nil)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exiting")
	}
	logger.Info().Msg("shutdown complete")
}

func openStore(cfg *config.Config, logger zerolog.Logger) (database.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := database.NewPgStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		if cfg.Migrate {
			logger.Info().Msg("running migrations")
			if err := pg.Migrate(); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return pg, nil
	case config.DriverRedis:
		return database.NewRedisStore(database.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Retention: cfg.Redis.Retention,
		})
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store, messages are not durable")
		return database.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer, err := server.NewChatServer(logger, store, auth.NewJWTVerifier(cfg.SigningKey), statsUpdater, server.Options{
		HistoryLimit:     cfg.Chat.HistoryLimit,
		MaxContentLength: cfg.Chat.MaxContentLength,
		AuthTimeout:      cfg.Chat.AuthTimeout,
		PersistTimeout:   cfg.Chat.PersistTimeout,
		IdleRoomTimeout:  cfg.Chat.IdleRoomTimeout,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, store, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}

		logger.Info().Msg("shutting down chat server...")
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("chat server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
