package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	cgerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	version   string
	installs  int
	activates int
	tags      []string
	err       error
}

func (f *fakeGateway) Version() string { return f.version }

func (f *fakeGateway) Install(context.Context) error {
	f.installs++
	return f.err
}

func (f *fakeGateway) Activate(context.Context) error {
	f.activates++
	return f.err
}

func (f *fakeGateway) Sync(_ context.Context, tag string) error {
	f.tags = append(f.tags, tag)
	return f.err
}

func TestNewSyncTask(t *testing.T) {
	task, err := NewSyncTask(SyncPayload{Tag: "background-sync", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, TaskSync, task.Type())

	var p SyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "background-sync", p.Tag)
	assert.Equal(t, "c1", p.ClientID)
}

func TestHandleSync(t *testing.T) {
	gw := &fakeGateway{version: "1.0.0"}
	h := &Handlers{Gateway: gw, Logger: zerolog.Nop()}

	task, err := NewSyncTask(SyncPayload{Tag: "background-sync"})
	require.NoError(t, err)
	require.NoError(t, h.HandleSync(context.Background(), task))
	assert.Equal(t, []string{"background-sync"}, gw.tags)
}

func TestHandleSyncBadPayload(t *testing.T) {
	h := &Handlers{Gateway: &fakeGateway{}, Logger: zerolog.Nop()}
	err := h.HandleSync(context.Background(), asynq.NewTask(TaskSync, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleLifecycle(t *testing.T) {
	gw := &fakeGateway{version: "1.0.0"}
	h := &Handlers{Gateway: gw, Logger: zerolog.Nop()}
	ctx := context.Background()

	install, err := NewInstallTask("1.0.0")
	require.NoError(t, err)
	activate, err := NewActivateTask("1.0.0")
	require.NoError(t, err)
	stale, err := NewInstallTask("0.9.0")
	require.NoError(t, err)

	require.NoError(t, h.HandleInstall(ctx, install))
	require.NoError(t, h.HandleActivate(ctx, activate))
	require.NoError(t, h.HandleInstall(ctx, stale))

	assert.Equal(t, 1, gw.installs)
	assert.Equal(t, 1, gw.activates)
}

func TestHandleLifecycleErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"network errors retry", cgerrors.New(cgerrors.CodeNetwork, "origin down"), false},
		{"database errors retry", cgerrors.New(cgerrors.CodeDatabase, "locked"), false},
		{"config errors drop", cgerrors.New(cgerrors.CodeInvalidConfig, "bad manifest"), true},
		{"unknown errors drop", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handlers{Gateway: &fakeGateway{version: "1.0.0", err: tt.err}, Logger: zerolog.Nop()}
			task, err := NewInstallTask("1.0.0")
			require.NoError(t, err)

			err = h.HandleInstall(context.Background(), task)
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestIsRetryableErrorAfterDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, isRetryableError(ctx, errors.New("boom")))
}

func TestRegister(t *testing.T) {
	gw := &fakeGateway{version: "1.0.0"}
	h := &Handlers{Gateway: gw, Logger: zerolog.Nop()}
	mux := asynq.NewServeMux()
	h.Register(mux)

	task, err := NewSyncTask(SyncPayload{Tag: "background-sync"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Len(t, gw.tags, 1)
}

func TestLoggerAdapter(t *testing.T) {
	var buf strings.Builder
	l := Logger{L: zerolog.New(&buf)}
	l.Info("worker ", "started")
	l.Warn("slow")
	assert.Contains(t, buf.String(), `"message":"worker started"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
