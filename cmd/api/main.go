// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cachegate/internal/config"
	"github.com/briangreenhill/cachegate/internal/gateway"
	"github.com/briangreenhill/cachegate/internal/host"
	"github.com/briangreenhill/cachegate/internal/http/routes"
	"github.com/briangreenhill/cachegate/internal/jobs"
	"github.com/briangreenhill/cachegate/internal/metrics"
	"github.com/briangreenhill/cachegate/internal/notify"
	"github.com/briangreenhill/cachegate/internal/storage"
)

func main() {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	lvl, _ := cfg.Level()
	logger = logger.Level(lvl)
	origin, _ := cfg.Origin()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache storage
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store.Kind).Msg("open cache storage")
	}
	defer store.Close() //nolint:errcheck

	// Notifications
	var notifier notify.Notifier = notify.StdoutNotifier{Logger: logger}
	if cfg.HasNotify() {
		n, err := notify.NewShoutrrr(cfg.NotifyURLs...)
		if err != nil {
			logger.Fatal().Err(err).Msg("notification urls")
		}
		notifier = n
	}

	// Task queue
	var queue jobs.Enqueuer
	if cfg.HasRedis() {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close() //nolint:errcheck
		queue = client
	}

	m := metrics.New()
	httpClient := &http.Client{Timeout: cfg.Gateway.FetchTimeout}

	h := host.New(host.Options{Client: httpClient, ClientTTL: cfg.ClientTTL, Logger: logger})
	gw, err := gateway.New(gateway.Options{
		CacheName:        cfg.Gateway.CacheName,
		Version:          cfg.Gateway.Version,
		SiteName:         cfg.Gateway.SiteName,
		Origin:           origin,
		Manifest:         cfg.Gateway.Manifest,
		WaitAfterInstall: cfg.Gateway.WaitAfterInstall,
		Store:            store,
		Client:           httpClient,
		Runtime:          h,
		Clients:          h,
		Notifier:         notifier,
		Metrics:          m,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create gateway")
	}
	// without an active gateway every request goes straight to the origin
	if err := h.Register(ctx, gw); err != nil {
		logger.Error().Err(err).Msg("gateway install failed, proxying without cache")
	}

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = origin.Scheme == "https"

	// Router / server
	s := routes.New(routes.ServerOptions{
		Sess:    sess,
		Host:    h,
		Origin:  origin,
		Jobs:    queue,
		Metrics: m,
		Logger:  logger,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("drain deferred cache writes")
		}
	}()

	logger.Info().Str("port", cfg.Port).Str("origin", origin.String()).Str("version", gw.Version()).Msg("starting gateway")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listen")
	}
	<-idle
}
