package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/task"
)

// Reconciler is the only writer allowed to hard-delete FailedTask rows on
// this node. Each pass reaps terminal and orphaned rows and reschedules the
// ones whose retry entry is missing.
type Reconciler struct {
	rt *Runtime
}

func NewReconciler(rt *Runtime) *Reconciler {
	return &Reconciler{rt: rt}
}

// Run sweeps every period until ctx is done.
func (r *Reconciler) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reconciler) Sweep(ctx context.Context) {
	began := time.Now()
	defer func() { metrics.RecordSweep("failed_jobs", time.Since(began)) }()

	rows, err := r.rt.Repo.ListFailedTasks(ctx, repository.FailedTaskFilter{Executor: r.rt.Node})
	if err != nil {
		r.rt.Log.Error().Err(err).Msg("failed to list failed tasks")
		return
	}

	for _, f := range rows {
		if ctx.Err() != nil {
			return
		}
		r.reconcile(ctx, f)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, f *task.FailedTask) {
	log := r.rt.Log.With().Str("failed_task_id", f.ID).Str("task_id", f.TaskID).Logger()

	if f.IsTerminal(r.rt.Settings.MaxRetry) {
		if r.reap(ctx, f) {
			metrics.RecordFailedTaskReaped("terminal")
			log.Info().Str("result", string(f.Result)).Int("retry_count", f.RetryCount).Msg("terminal failed task reaped")
		}
		return
	}

	parent, err := r.rt.Repo.GetTask(ctx, f.TaskID)
	switch {
	case errors.Is(err, repository.ErrTaskNotFound), err == nil && parent.Deleted:
		if r.reap(ctx, f) {
			metrics.RecordFailedTaskReaped("orphan")
			log.Info().Msg("orphaned failed task reaped")
		}
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to load parent task")
		return
	}

	if f.JobID != "" && r.rt.Scheduler.Has(f.JobID) {
		return
	}

	if _, err := ScheduleFailedJob(ctx, r.rt, f, 0); err != nil {
		log.Error().Err(err).Msg("failed to reschedule retry")
		return
	}
	metrics.RecordRetryRescheduled()
}

func (r *Reconciler) reap(ctx context.Context, f *task.FailedTask) bool {
	r.rt.removeRetry(f.ID, f.JobID)

	if err := r.rt.Repo.DeleteFailedTask(ctx, f.ID); err != nil {
		r.rt.Log.Error().Err(err).Str("failed_task_id", f.ID).Msg("failed to delete failed task")
		return false
	}
	return true
}
