package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/hibiken/asynq"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/internal/config"
	"github.com/briangreenhill/cachegate/internal/gateway"
	"github.com/briangreenhill/cachegate/internal/jobs"
	"github.com/briangreenhill/cachegate/internal/storage"
)

const cliVersion = "cachegate v0.1.0"

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runCLI(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		logger.Fatal().Err(err).Msg("cachegate")
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: cachegate <command> [args]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  generations         List cache generations, current ones marked with *")
	fmt.Fprintln(w, "  keys <generation>   List the keys stored in a generation")
	fmt.Fprintln(w, "  install             Precache the manifest into the current static generation")
	fmt.Fprintln(w, "  activate            Delete every generation that is not current")
	fmt.Fprintln(w, "  enqueue <task>      Queue an install or activate task for the worker")
	fmt.Fprintln(w, "  version             Show the CLI and gateway versions")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  GATEWAY_ORIGIN_URL  Origin server the gateway fronts (required)")
	fmt.Fprintln(w, "  GATEWAY_STORE       memory, disk, sqlite or postgres")
	fmt.Fprintln(w, "  GATEWAY_STORE_DIR   Directory for the disk and sqlite stores")
	fmt.Fprintln(w, "  DATABASE_URL        Postgres url for the postgres store")
	fmt.Fprintln(w, "  REDIS_ADDR          Redis address for enqueue")
}

func runCLI(ctx context.Context, args []string, out io.Writer, logger zerolog.Logger) error {
	if len(args) == 0 {
		usage(out)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintf(out, "%s (gateway %s)\n", cliVersion, cfg.Gateway.Version)
		return nil
	case "generations":
		return withStore(ctx, cfg, func(store cache.Storage) error {
			return listGenerations(ctx, cfg, store, out)
		})
	case "keys":
		if len(args) < 2 {
			return errors.New(errors.CodeInvalidInput, "keys needs a generation name")
		}
		return withStore(ctx, cfg, func(store cache.Storage) error {
			return listKeys(ctx, store, args[1], out)
		})
	case "install", "activate":
		if err := cfg.Validate(); err != nil {
			return err
		}
		return withStore(ctx, cfg, func(store cache.Storage) error {
			gw, err := newGateway(cfg, store, logger)
			if err != nil {
				return err
			}
			if args[0] == "install" {
				return gw.Install(ctx)
			}
			return gw.Activate(ctx)
		})
	case "enqueue":
		if len(args) < 2 {
			return errors.New(errors.CodeInvalidInput, "enqueue needs a task: install or activate")
		}
		return enqueue(ctx, cfg, args[1], out)
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown command: %s", args[0])
	}
}

func withStore(ctx context.Context, cfg *config.Config, fn func(cache.Storage) error) error {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	return fn(store)
}

func newGateway(cfg *config.Config, store cache.Storage, logger zerolog.Logger) (*gateway.Gateway, error) {
	origin, err := cfg.Origin()
	if err != nil {
		return nil, err
	}
	return gateway.New(gateway.Options{
		CacheName: cfg.Gateway.CacheName,
		Version:   cfg.Gateway.Version,
		SiteName:  cfg.Gateway.SiteName,
		Origin:    origin,
		Manifest:  cfg.Gateway.Manifest,
		Store:     store,
		Client:    &http.Client{Timeout: cfg.Gateway.FetchTimeout},
		Logger:    logger,
	})
}

func listGenerations(ctx context.Context, cfg *config.Config, store cache.Storage, out io.Writer) error {
	names, err := store.Names(ctx)
	if err != nil {
		return err
	}
	current := cache.NewGenerations(cfg.Gateway.CacheName, cfg.Gateway.Version)
	for _, name := range names {
		mark := " "
		if current.IsCurrent(name) {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, name)
	}
	return nil
}

func listKeys(ctx context.Context, store cache.Storage, name string, out io.Writer) error {
	ok, err := store.Has(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeNotFound, "generation %s not found", name)
	}
	gen, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func enqueue(ctx context.Context, cfg *config.Config, task string, out io.Writer) error {
	if !cfg.HasRedis() {
		return errors.New(errors.CodeInvalidConfig, "REDIS_ADDR is required to enqueue tasks")
	}
	var (
		t   *asynq.Task
		err error
	)
	switch task {
	case "install":
		t, err = jobs.NewInstallTask(cfg.Gateway.Version)
	case "activate":
		t, err = jobs.NewActivateTask(cfg.Gateway.Version)
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown task %q", task)
	}
	if err != nil {
		return err
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer client.Close() //nolint:errcheck
	info, err := client.EnqueueContext(ctx, t)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "enqueue task")
	}
	fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return nil
}
