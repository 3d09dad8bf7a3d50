// Package controller is the management boundary that enables and disables
// performance collection for a storage array.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/telemetryd/internal/collector"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyResourceMetrics = errors.New("controller: resource metrics are empty")
	ErrStorageIDRequired    = errors.New("controller: storage id is required")
	ErrJobExists            = errors.New("controller: telemetry job already exists for storage")
)

// Capabilities is what a storage array reports it can collect.
type Capabilities struct {
	ResourceMetrics map[string]any `json:"resource_metrics"`
	// MinInterval is the shortest supported collection period in seconds.
	MinInterval int `json:"min_interval,omitempty"`
}

type Caster interface {
	RemoveJob(ctx context.Context, executor, taskID string) error
	RemoveFailedJob(ctx context.Context, executor, failedTaskID string) error
}

// Notifier is told when new tasks are waiting for an executor.
type Notifier interface {
	Kick()
}

type Jobs struct {
	Tasks       []*task.Task       `json:"tasks"`
	FailedTasks []*task.FailedTask `json:"failed_tasks"`
}

type Controller struct {
	repo            repository.TaskRepository
	caster          Caster
	notifier        Notifier
	defaultInterval time.Duration
	log             zerolog.Logger
}

func New(repo repository.TaskRepository, caster Caster, notifier Notifier, defaultInterval time.Duration, log zerolog.Logger) *Controller {
	return &Controller{
		repo:            repo,
		caster:          caster,
		notifier:        notifier,
		defaultInterval: defaultInterval,
		log:             log,
	}
}

// CreateJob persists a performance collection task for storageID. Nothing is
// written when the request carries no metrics.
func (c *Controller) CreateJob(ctx context.Context, storageID string, caps Capabilities) (*task.Task, error) {
	if storageID == "" {
		return nil, ErrStorageIDRequired
	}
	if len(caps.ResourceMetrics) == 0 {
		return nil, ErrEmptyResourceMetrics
	}

	existing, err := c.repo.ListTasks(ctx, repository.TaskFilter{
		StorageID: storageID,
		Deleted:   repository.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check existing jobs: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrJobExists
	}

	interval := max(int(c.defaultInterval/time.Second), caps.MinInterval)
	t := task.NewTask(storageID, collector.PerformanceMethod, caps.ResourceMetrics, interval)

	if err := c.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create telemetry job: %w", err)
	}

	c.log.Info().
		Str("task_id", t.ID).
		Str("storage_id", storageID).
		Int("interval", interval).
		Msg("telemetry job created")

	if c.notifier != nil {
		c.notifier.Kick()
	}
	return t, nil
}

// DeleteJob disables collection for storageID. Tasks are soft-deleted first;
// a task whose removal could not be delivered stays soft-deleted so the
// distributor relays it on its next sweep.
func (c *Controller) DeleteJob(ctx context.Context, storageID string) error {
	if storageID == "" {
		return ErrStorageIDRequired
	}

	tasks, err := c.repo.ListTasks(ctx, repository.TaskFilter{StorageID: storageID})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	var errs []error
	for _, t := range tasks {
		if err := c.deleteTask(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) deleteTask(ctx context.Context, t *task.Task) error {
	log := c.log.With().Str("task_id", t.ID).Str("storage_id", t.StorageID).Logger()

	if !t.Deleted {
		if err := c.repo.SoftDeleteTask(ctx, t.ID); err != nil {
			return fmt.Errorf("failed to soft-delete: %w", err)
		}
	}

	delivered := true
	if t.Executor != "" {
		if err := c.caster.RemoveJob(ctx, t.Executor, t.ID); err != nil {
			log.Warn().Err(err).Str("executor", t.Executor).Msg("failed to notify job removal")
			delivered = false
		}
	}

	failed, err := c.repo.ListFailedTasks(ctx, repository.FailedTaskFilter{TaskID: t.ID, IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("failed to list failed tasks: %w", err)
	}
	for _, f := range failed {
		if f.Executor == "" {
			continue
		}
		if err := c.caster.RemoveFailedJob(ctx, f.Executor, f.ID); err != nil {
			log.Warn().Err(err).Str("failed_task_id", f.ID).Msg("failed to notify failed job removal")
			delivered = false
		}
	}

	if !delivered {
		return nil
	}

	if err := c.repo.DeleteFailedTasksByTask(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to delete failed tasks: %w", err)
	}
	if err := c.repo.DeleteTask(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	log.Info().Msg("telemetry job deleted")
	return nil
}

// ListJobs returns the live tasks of storageID with their pending retries.
func (c *Controller) ListJobs(ctx context.Context, storageID string) (*Jobs, error) {
	if storageID == "" {
		return nil, ErrStorageIDRequired
	}

	tasks, err := c.repo.ListTasks(ctx, repository.TaskFilter{
		StorageID: storageID,
		Deleted:   repository.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := &Jobs{Tasks: tasks, FailedTasks: []*task.FailedTask{}}
	for _, t := range tasks {
		failed, err := c.repo.ListFailedTasks(ctx, repository.FailedTaskFilter{TaskID: t.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to list failed tasks: %w", err)
		}
		jobs.FailedTasks = append(jobs.FailedTasks, failed...)
	}
	if jobs.Tasks == nil {
		jobs.Tasks = []*task.Task{}
	}

	return jobs, nil
}
