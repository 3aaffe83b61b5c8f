// cmd/admitd is the application entry point. It wires the store, the
// admission core and the HTTP surface together and runs the server with
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eventops/admitd/internal/admission"
	"github.com/eventops/admitd/internal/capacity"
	"github.com/eventops/admitd/internal/config"
	"github.com/eventops/admitd/internal/handler"
	"github.com/eventops/admitd/internal/repository"
	"github.com/eventops/admitd/internal/store"
	"github.com/eventops/admitd/internal/store/badgerstore"
	"github.com/eventops/admitd/internal/store/pgxstore"
	"github.com/eventops/admitd/internal/waitlist"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store == config.StorePostgres {
		return pgxstore.New(ctx, cfg.DatabaseURL)
	}
	logger := log.Logger
	return badgerstore.Open(badgerstore.Config{
		Path:       cfg.DataDir,
		SyncWrites: true,
		Logger:     &logger,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setLogger(cfg.LogLevel)
	log.Info().Str("version", version).Interface("config", cfg.Redacted()).Msg("starting admitd")

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	events := repository.NewEventRepository(st)
	participants := repository.NewParticipantRepository(st)
	queue := waitlist.New(st)
	oracle := capacity.NewOracle(st)
	ctrl := admission.NewController(st, events, participants, queue, oracle)
	api := handler.NewAPI(events, participants, ctrl)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.Logger)
	r.Use(handler.CORS)
	r.Use(handler.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Mount("/", api.Routes())

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
