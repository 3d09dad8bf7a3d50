package repository

import (
	"context"
	"errors"

	"github.com/nadmax/telemetryd/internal/task"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrFailedTaskNotFound = errors.New("failed task not found")
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	StorageID  string
	Executor   string
	Unassigned bool
	Deleted    *bool
}

// FailedTaskFilter narrows ListFailedTasks. Soft-deleted rows are skipped
// unless IncludeDeleted is set.
type FailedTaskFilter struct {
	TaskID         string
	Executor       string
	IncludeDeleted bool
}

type TaskRepository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)
	UpdateTaskJobID(ctx context.Context, taskID, jobID string) error
	UpdateTaskLastRunTime(ctx context.Context, taskID string, lastRunTime int64) error
	UpdateTaskExecutor(ctx context.Context, taskID, executor string) error
	ClearTaskOwner(ctx context.Context, taskID string) error
	SoftDeleteTask(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error

	CreateFailedTask(ctx context.Context, f *task.FailedTask) error
	GetFailedTask(ctx context.Context, failedTaskID string) (*task.FailedTask, error)
	ListFailedTasks(ctx context.Context, filter FailedTaskFilter) ([]*task.FailedTask, error)
	UpdateFailedTaskJobID(ctx context.Context, failedTaskID, jobID string) error
	UpdateFailedTaskResult(ctx context.Context, failedTaskID string, retryCount int, result task.Result) error
	DeleteFailedTask(ctx context.Context, failedTaskID string) error
	DeleteFailedTasksByTask(ctx context.Context, taskID string) error
	// UpdateFailedTasksExecutor moves every FailedTask of taskID to executor
	// and clears their job ids. An empty executor leaves them unowned.
	UpdateFailedTasksExecutor(ctx context.Context, taskID, executor string) error

	Close() error
}

// Bool returns a pointer to b, for filter fields.
func Bool(b bool) *bool {
	return &b
}
