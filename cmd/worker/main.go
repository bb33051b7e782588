package main

import (
	"context"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cachegate/internal/config"
	"github.com/briangreenhill/cachegate/internal/gateway"
	"github.com/briangreenhill/cachegate/internal/jobs"
	"github.com/briangreenhill/cachegate/internal/storage"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	if cfg.Store.Kind == config.StoreMemory {
		logger.Warn().Msg("memory store is private to this process; lifecycle tasks will not reach the api cache")
	}
	lvl, _ := cfg.Level()
	logger = logger.Level(lvl)
	origin, _ := cfg.Origin()

	store, err := storage.Open(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store.Kind).Msg("open cache storage")
	}
	defer store.Close() //nolint:errcheck

	// the worker has no pages to claim, so runtime and clients stay no-ops
	gw, err := gateway.New(gateway.Options{
		CacheName: cfg.Gateway.CacheName,
		Version:   cfg.Gateway.Version,
		SiteName:  cfg.Gateway.SiteName,
		Origin:    origin,
		Manifest:  cfg.Gateway.Manifest,
		Store:     store,
		Client:    &http.Client{Timeout: cfg.Gateway.FetchTimeout},
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create gateway")
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    8,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueSync:      10, // higher priority
			jobs.QueueLifecycle: 5,
			"default":           1,
		},
		Logger: jobs.Logger{L: logger},
	})
	mux := asynq.NewServeMux()
	handlers := &jobs.Handlers{Gateway: gw, Logger: logger}
	handlers.Register(mux)

	logger.Info().Str("version", gw.Version()).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}
