package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// Gateway is the part of a gateway the worker drives.
type Gateway interface {
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Sync(ctx context.Context, tag string) error
}

// Handlers runs gateway tasks on an asynq worker.
type Handlers struct {
	Gateway Gateway
	Logger  zerolog.Logger
}

// Register mounts every task handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskSync, h.HandleSync)
	mux.HandleFunc(TaskInstall, h.HandleInstall)
	mux.HandleFunc(TaskActivate, h.HandleActivate)
}

func (h *Handlers) HandleSync(ctx context.Context, t *asynq.Task) error {
	var p SyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
		return fmt.Errorf("decode sync payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.run(ctx, t.Type(), func(ctx context.Context) error {
		return h.Gateway.Sync(ctx, p.Tag)
	}, zerolog.Dict().Str("tag", p.Tag).Str("client_id", p.ClientID))
}

func (h *Handlers) HandleInstall(ctx context.Context, t *asynq.Task) error {
	return h.lifecycle(ctx, t, h.Gateway.Install)
}

func (h *Handlers) HandleActivate(ctx context.Context, t *asynq.Task) error {
	return h.lifecycle(ctx, t, h.Gateway.Activate)
}

func (h *Handlers) lifecycle(ctx context.Context, t *asynq.Task, fn func(context.Context) error) error {
	var p LifecyclePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
		return fmt.Errorf("decode lifecycle payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Version != h.Gateway.Version() {
		h.Logger.Warn().
			Str("task", t.Type()).
			Str("want", p.Version).
			Str("have", h.Gateway.Version()).
			Msg("version mismatch, dropping task")
		return nil
	}
	return h.run(ctx, t.Type(), fn, zerolog.Dict().Str("version", p.Version))
}

func (h *Handlers) run(ctx context.Context, task string, fn func(context.Context) error, fields *zerolog.Event) error {
	log := h.Logger.With().Str("task", task).Dict("payload", fields).Logger()
	log.Info().Msg("start")
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		if isRetryableError(ctx, err) {
			log.Warn().Err(err).Dur("duration", duration).Msg("retryable error")
			return err
		}
		log.Error().Err(err).Dur("duration", duration).Msg("permanent error, dropping task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log.Info().Dur("duration", duration).Msg("done")
	return nil
}

// isRetryableError determines if an error should trigger a task retry
func isRetryableError(ctx context.Context, err error) bool {
	// the task deadline passed; asynq retries timed-out tasks
	if ctx.Err() != nil {
		return true
	}
	return errors.IsRetryable(err)
}
