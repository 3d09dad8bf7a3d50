package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/telemetryd/internal/collector"
	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
)

// JobHandler owns the local schedule of one Task.
type JobHandler struct {
	rt     *Runtime
	taskID string
	log    zerolog.Logger

	mu      sync.Mutex
	stopped bool
	handles map[string]struct{}
}

func NewJobHandler(rt *Runtime, taskID string) *JobHandler {
	return &JobHandler{
		rt:      rt,
		taskID:  taskID,
		log:     rt.Log.With().Str("task_id", taskID).Logger(),
		handles: make(map[string]struct{}),
	}
}

// Get loads the Task and binds a handler to it.
func Get(ctx context.Context, rt *Runtime, taskID string) (*JobHandler, error) {
	if _, err := rt.Repo.GetTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return NewJobHandler(rt, taskID), nil
}

func (h *JobHandler) TaskID() string {
	return h.taskID
}

// ScheduleJob registers the Task's repeating collection unless a live
// schedule already exists, then backfills the gap left by downtime.
// Repeated calls are harmless.
func (h *JobHandler) ScheduleJob(ctx context.Context) error {
	s, err := h.schedule(ctx)
	if err != nil || s == nil {
		return err
	}

	h.backfill(ctx, s)
	return nil
}

// scheduled describes a registration that just happened. staleJobID is the
// handle persisted before it, if any.
type scheduled struct {
	task       *task.Task
	collector  collector.Collector
	staleJobID string
	at         time.Time
}

func (h *JobHandler) schedule(ctx context.Context) (*scheduled, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil, nil
	}

	t, err := h.rt.Repo.GetTask(ctx, h.taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", h.taskID, err)
	}
	if t.Deleted {
		h.log.Debug().Msg("task deleted, not scheduling")
		return nil, nil
	}
	if t.Executor != h.rt.Node {
		h.log.Debug().Str("executor", t.Executor).Msg("task owned by another node, not scheduling")
		return nil, nil
	}

	c, err := h.rt.Collectors.GetInstance(ctx, t.Method)
	if err != nil {
		return nil, err
	}

	now := h.rt.now()
	if t.JobID != "" && h.rt.Scheduler.Has(t.JobID) {
		h.log.Debug().Str("job_id", t.JobID).Msg("job already scheduled")
		return nil, nil
	}

	every := t.IntervalDuration()
	if every <= 0 {
		return nil, fmt.Errorf("task %s has invalid interval %d", t.ID, t.Interval)
	}

	handle := uuid.New().String()
	spec := scheduler.Spec{
		Every:     every,
		Start:     now.Add(every),
		Tolerance: every / 2,
	}
	if err := h.rt.Scheduler.Add(handle, spec, func() { h.tick(t, c) }); err != nil {
		return nil, fmt.Errorf("failed to schedule task %s: %w", t.ID, err)
	}

	if err := h.rt.Repo.UpdateTaskJobID(ctx, t.ID, handle); err != nil {
		h.rt.Scheduler.Remove(handle)
		return nil, fmt.Errorf("failed to persist job id: %w", err)
	}
	h.handles[handle] = struct{}{}

	h.log.Info().
		Str("job_id", handle).
		Str("storage_id", t.StorageID).
		Dur("interval", every).
		Msg("telemetry job scheduled")

	return &scheduled{task: t, collector: c, staleJobID: t.JobID, at: now}, nil
}

// backfillWindow returns the catch-up range for a freshly scheduled task.
// ok is false for a brand-new task.
func (h *JobHandler) backfillWindow(t *task.Task, stale string, now time.Time) (start time.Time, ok bool) {
	window := h.rt.Settings.HistoryWindow

	switch {
	case t.LastRunTime > 0:
		start = time.Unix(t.LastRunTime, 0)
		if floor := now.Add(-window); start.Before(floor) {
			start = floor
		}
		return start, true
	case stale != "":
		return now.Add(-min(t.IntervalDuration(), window)), true
	default:
		return time.Time{}, false
	}
}

func (h *JobHandler) backfill(ctx context.Context, s *scheduled) {
	t, now := s.task, s.at
	start, ok := h.backfillWindow(t, s.staleJobID, now)
	if !ok || !start.Before(now) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.IntervalDuration())
	defer cancel()

	log := h.log.With().Time("start", start).Time("end", now).Logger()

	if err := h.collect(ctx, s.collector, t, start.UnixMilli(), now.UnixMilli()); err != nil {
		metrics.RecordBackfill("failure")
		log.Warn().Err(err).Msg("backfill failed")
		return
	}

	pctx, pcancel := persistContext(ctx)
	defer pcancel()

	if err := h.rt.Repo.UpdateTaskLastRunTime(pctx, t.ID, now.Unix()); err != nil {
		log.Error().Err(err).Msg("failed to persist last run time after backfill")
	}
	metrics.RecordBackfill("success")
	log.Info().Msg("backfill completed")
}

func (h *JobHandler) tick(t *task.Task, c collector.Collector) {
	now := h.rt.now()
	every := t.IntervalDuration()
	start, end := now.Add(-every).UnixMilli(), now.UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), every)
	defer cancel()

	err := h.collect(ctx, c, t, start, end)

	// The collection may have used up ctx; bookkeeping gets its own budget.
	pctx, pcancel := persistContext(ctx)
	defer pcancel()

	if err != nil {
		h.log.Error().Err(err).Str("storage_id", t.StorageID).Msg("collection failed")
		h.recordFailure(pctx, t, start, end)
		return
	}

	if err := h.rt.Repo.UpdateTaskLastRunTime(pctx, t.ID, now.Unix()); err != nil {
		h.log.Error().Err(err).Msg("failed to persist last run time")
	}
}

func (h *JobHandler) collect(ctx context.Context, c collector.Collector, t *task.Task, startMs, endMs int64) error {
	began := time.Now()
	samples, err := c.Collect(ctx, t.StorageID, t.Args, startMs, endMs)

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.RecordCollection(t.Method, result, time.Since(began))

	if err == nil {
		h.log.Debug().Int("samples", len(samples)).Msg("collection succeeded")
	}
	return err
}

func (h *JobHandler) recordFailure(ctx context.Context, t *task.Task, startMs, endMs int64) {
	interval := int(h.rt.Settings.FailedJobInterval / time.Second)
	f := task.NewFailedTask(t, startMs, endMs, interval, h.rt.Node)

	if err := h.rt.Repo.CreateFailedTask(ctx, f); err != nil {
		h.log.Error().Err(err).Msg("failed to record failed collection")
		return
	}
	metrics.RecordFailedTaskCreated(t.Method)

	if _, err := ScheduleFailedJob(ctx, h.rt, f, f.IntervalDuration()); err != nil {
		h.log.Error().Err(err).Str("failed_task_id", f.ID).Msg("failed to schedule retry")
	}
}

// RemoveJob drops the Task's schedule on this node if present.
func (h *JobHandler) RemoveJob(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeAll()

	t, err := h.rt.Repo.GetTask(ctx, h.taskID)
	if err != nil {
		return
	}
	if t.JobID != "" && h.rt.Scheduler.Remove(t.JobID) {
		h.log.Info().Str("job_id", t.JobID).Msg("telemetry job removed")
	}
}

// Stop makes the handler inert and removes every entry it registered.
func (h *JobHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	h.removeAll()
}

func (h *JobHandler) removeAll() {
	for handle := range h.handles {
		if h.rt.Scheduler.Remove(handle) {
			h.log.Info().Str("job_id", handle).Msg("telemetry job removed")
		}
		delete(h.handles, handle)
	}
}
