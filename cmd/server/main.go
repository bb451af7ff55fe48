package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"medcash/internal/cache"
	"medcash/internal/config"
	"medcash/internal/events"
	"medcash/internal/httpapi"
	"medcash/internal/logger"
	"medcash/internal/service"
	"medcash/internal/store"
	"medcash/internal/store/memory"
	pgstore "medcash/internal/store/postgres"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger.SetGlobal(logger.New(cfg.LogLevel, cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	repo, closeRepo, err := buildRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("repository unavailable")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	summaries, closeCache := buildSummaryCache(ctx, cfg)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	hub := events.NewHub()
	publisher, closePublishers, err := buildPublisher(cfg, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("event publisher unavailable")
	}
	closers = append(closers, closePublishers...)

	svc := service.New(repo, summaries, publisher, cfg.SummaryCacheTTL)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, hub, cfg.AllowedOrigin)

	server := newServer(cfg, api.Handler(), hub)

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("medcash backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// newServer wires the HTTP server. Shutdown closes the hub so open event
// streams return instead of holding shutdown until its deadline.
func newServer(cfg config.Config, handler http.Handler, hub *events.Hub) *http.Server {
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(hub.Close)
	return server
}

// buildRepository picks postgres when DATABASE_URL is set and the seeded
// in-memory store otherwise. A configured but unreachable database is fatal.
func buildRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info().Str("repository", "memory").Msg("repository selected")
		return memory.NewSeeded(), nil, nil
	}

	if cfg.RunMigrations {
		if err := pgstore.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("migrations applied")
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
	}
	log.Info().Str("repository", "postgres").Msg("repository selected")
	return pg, pg.Close, nil
}

// buildSummaryCache prefers redis and degrades to the process-local cache.
func buildSummaryCache(ctx context.Context, cfg config.Config) (cache.SummaryCache, func() error) {
	if cfg.RedisAddr == "" {
		log.Info().Str("cache", "memory").Msg("summary cache selected")
		return cache.NewMemorySummaryCache(), nil
	}

	redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, using in-memory summary cache")
		_ = redisCache.Close()
		return cache.NewMemorySummaryCache(), nil
	}
	log.Info().Str("cache", "redis").Msg("summary cache selected")
	return redisCache, redisCache.Close
}

// buildPublisher always feeds the in-process hub and adds the configured
// broker on top of it.
func buildPublisher(cfg config.Config, hub *events.Hub) (events.Publisher, []func() error, error) {
	switch cfg.EventsBackend {
	case config.EventsKafka:
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("ledger events: kafka")
		return events.Multi{hub, kp}, []func() error{kp.Close}, nil
	case config.EventsAMQP:
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("ledger events: amqp")
		return events.Multi{hub, ap}, []func() error{ap.Close}, nil
	default:
		log.Info().Msg("ledger events: in-process only")
		return hub, nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.DatabaseURL != "" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin when running against a database")
	}
	return nil
}
