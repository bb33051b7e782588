package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskSync     = "gateway:sync"
	TaskInstall  = "gateway:install"
	TaskActivate = "gateway:activate"
)

// Queues and their priorities
const (
	QueueSync      = "sync"
	QueueLifecycle = "lifecycle"
)

type SyncPayload struct {
	Tag      string `json:"tag"`
	ClientID string `json:"client_id,omitempty"`
}

// LifecyclePayload targets one gateway version. Workers running a
// different version drop the task.
type LifecyclePayload struct {
	Version string `json:"version"`
}

// Enqueuer is the part of an asynq client used to schedule tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

func NewSyncTask(p SyncPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSync, b, asynq.Queue(QueueSync), asynq.MaxRetry(5)), nil
}

func NewInstallTask(version string) (*asynq.Task, error) {
	return newLifecycleTask(TaskInstall, version)
}

func NewActivateTask(version string) (*asynq.Task, error) {
	return newLifecycleTask(TaskActivate, version)
}

func newLifecycleTask(typename, version string) (*asynq.Task, error) {
	b, err := json.Marshal(LifecyclePayload{Version: version})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, b,
		asynq.Queue(QueueLifecycle),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	), nil
}
