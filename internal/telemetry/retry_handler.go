package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
)

// RetryHandler runs the retry attempts of one FailedTask under handle.
type RetryHandler struct {
	rt           *Runtime
	failedTaskID string
	handle       string
	log          zerolog.Logger
}

func NewRetryHandler(rt *Runtime, failedTaskID, handle string) *RetryHandler {
	return &RetryHandler{
		rt:           rt,
		failedTaskID: failedTaskID,
		handle:       handle,
		log: rt.Log.With().
			Str("failed_task_id", failedTaskID).
			Str("job_id", handle).
			Logger(),
	}
}

// Run performs one retry attempt. Success and exhaustion pause the schedule;
// deleting the row is left to the Reconciler.
func (h *RetryHandler) Run(ctx context.Context) error {
	f, err := h.rt.Repo.GetFailedTask(ctx, h.failedTaskID)
	if errors.Is(err, repository.ErrFailedTaskNotFound) {
		// Row already deleted, drop the leftover entry.
		h.drop()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load failed task: %w", err)
	}
	if f.Executor != h.rt.Node {
		h.log.Info().Str("executor", f.Executor).Msg("failed task moved to another node, retry dropped")
		h.drop()
		return nil
	}

	maxRetry := h.rt.Settings.MaxRetry
	if f.IsTerminal(maxRetry) {
		h.rt.Scheduler.Pause(h.handle)
		return nil
	}

	t, err := h.rt.Repo.GetTask(ctx, f.TaskID)
	if errors.Is(err, repository.ErrTaskNotFound) || (err == nil && t.Deleted) {
		h.log.Warn().Str("task_id", f.TaskID).Msg("parent task gone, retry paused")
		h.rt.Scheduler.Pause(h.handle)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", f.TaskID, err)
	}

	ok := h.attempt(ctx, f, t)
	count := f.RetryCount + 1

	var result task.Result
	switch {
	case ok:
		result = task.ResultSuccess
	case count >= maxRetry:
		result = task.ResultInit
	default:
		result = task.ResultStarted
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()

	if err := h.rt.Repo.UpdateFailedTaskResult(pctx, f.ID, count, result); err != nil {
		return fmt.Errorf("failed to persist retry result: %w", err)
	}

	log := h.log.With().Int("retry_count", count).Str("result", string(result)).Logger()
	switch {
	case ok:
		metrics.RecordRetryAttempt("success")
		h.rt.Scheduler.Pause(h.handle)
		log.Info().Msg("retry succeeded")
	case count >= maxRetry:
		metrics.RecordRetryAttempt("exhausted")
		h.rt.Scheduler.Pause(h.handle)
		log.Warn().Msg("retries exhausted")
	default:
		metrics.RecordRetryAttempt("failure")
		log.Info().Msg("retry failed, will try again")
	}

	return nil
}

func (h *RetryHandler) drop() {
	h.rt.Scheduler.Remove(h.handle)
	h.rt.retries.drop(h.failedTaskID, h.handle)
}

func (h *RetryHandler) attempt(ctx context.Context, f *task.FailedTask, t *task.Task) bool {
	reply, err := h.rt.Caller.CollectTelemetry(ctx, f.Executor, rpc.CollectTelemetryArgs{
		Method:    f.Method,
		StorageID: t.StorageID,
		Args:      t.Args,
		Start:     f.StartTime,
		End:       f.EndTime,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("collect_telemetry call failed")
		return false
	}
	if reply.Status != rpc.StatusSuccess {
		h.log.Warn().Str("error", reply.Error).Msg("collection failed again")
		return false
	}
	return true
}

func (h *RetryHandler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), h.rt.Settings.FailedJobInterval)
	defer cancel()

	if err := h.Run(ctx); err != nil {
		h.log.Error().Err(err).Msg("retry attempt failed")
	}
}

// ScheduleFailedJob allocates a handle for f, persists it and registers a
// repeating retry whose first attempt runs after delay.
func ScheduleFailedJob(ctx context.Context, rt *Runtime, f *task.FailedTask, delay time.Duration) (string, error) {
	every := f.IntervalDuration()
	if every <= 0 {
		every = rt.Settings.FailedJobInterval
	}

	handle := uuid.New().String()
	h := NewRetryHandler(rt, f.ID, handle)

	if err := rt.Repo.UpdateFailedTaskJobID(ctx, f.ID, handle); err != nil {
		return "", fmt.Errorf("failed to persist retry job id: %w", err)
	}

	spec := scheduler.Spec{
		Every:     every,
		Start:     rt.now().Add(delay),
		Tolerance: every / 2,
	}
	if err := rt.Scheduler.Add(handle, spec, h.tick); err != nil {
		return "", fmt.Errorf("failed to schedule retry: %w", err)
	}
	rt.retries.set(f.ID, handle)

	h.log.Info().Dur("interval", every).Msg("retry scheduled")
	return handle, nil
}

// RemoveFailedJob drops the FailedTask's retry schedule on this node. The
// row may already be gone; the local handle table covers that case.
func RemoveFailedJob(ctx context.Context, rt *Runtime, failedTaskID string) error {
	var jobID string
	f, err := rt.Repo.GetFailedTask(ctx, failedTaskID)
	switch {
	case err == nil:
		jobID = f.JobID
	case !errors.Is(err, repository.ErrFailedTaskNotFound):
		rt.Log.Warn().Err(err).Str("failed_task_id", failedTaskID).Msg("failed to load failed task")
	}

	if rt.removeRetry(failedTaskID, jobID) {
		rt.Log.Info().Str("failed_task_id", failedTaskID).Msg("retry removed")
	}
	return nil
}
