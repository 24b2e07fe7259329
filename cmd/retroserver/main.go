package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/config"
	"github.com/mcdev12/retroboard/internal/gateway"
	"github.com/mcdev12/retroboard/internal/presence"
	"github.com/mcdev12/retroboard/internal/store"
	"github.com/mcdev12/retroboard/internal/store/memstore"
	"github.com/mcdev12/retroboard/internal/store/natsstore"
	"github.com/mcdev12/retroboard/internal/store/pgstore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	if level, err := zerolog.ParseLevel(envOr("RETRO_LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", string(cfg.Store.Backend)).Msg("failed to build store backend")
	}
	defer closeStore()

	gw := gateway.New(ctx, st, clockwork.NewRealClock(), presence.Config{
		HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		ActiveWindow:      time.Duration(cfg.Presence.ActiveWindowSec) * time.Second,
	})
	go gw.Start()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("backend", string(cfg.Store.Backend)).
		Msg("retroboard server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		ns, err := natsstore.New(ctx, natsstore.Config{
			URL:    cfg.Store.NATS.URL,
			Bucket: cfg.Store.NATS.Bucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return ns, ns.Close, nil
	case config.BackendPostgres:
		ps, err := pgstore.New(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.Close, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
