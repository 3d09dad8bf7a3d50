// Package worker runs an executor node: it serves RPC messages from the
// distributor and the job controller, owns one JobHandler per assigned task
// and keeps retry schedules reconciled.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/telemetryd/internal/cluster"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scheduler is the node-local interval scheduler.
type Scheduler interface {
	telemetry.Scheduler
	Start()
	Stop(ctx context.Context)
}

// restoreConcurrency bounds the backfills run at once after a restart.
const restoreConcurrency = 8

type Options struct {
	HeartbeatPeriod time.Duration
	SweepPeriod     time.Duration
}

type Worker struct {
	id         string
	rt         *telemetry.Runtime
	sched      Scheduler
	registry   *cluster.Registry
	server     *rpc.Server
	reconciler *telemetry.Reconciler
	opts       Options
	log        zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*telemetry.JobHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker binds rt to sched and serves this node's queue on rdb.
func NewWorker(rt *telemetry.Runtime, sched Scheduler, rdb *redis.Client, opts Options) *Worker {
	rt.Scheduler = sched

	w := &Worker{
		id:         rt.Node,
		rt:         rt,
		sched:      sched,
		registry:   cluster.NewRegistry(rdb),
		reconciler: telemetry.NewReconciler(rt),
		opts:       opts,
		log:        rt.Log.With().Str("node", rt.Node).Logger(),
		jobs:       make(map[string]*telemetry.JobHandler),
	}
	w.server = rpc.NewServer(rdb, rt.Node, w, w.log)
	return w
}

func (w *Worker) ID() string {
	return w.id
}

// Start brings the node up: scheduler, heartbeat and RPC consumer first,
// then restored jobs and the failed-job sweep in the background.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.sched.Start()
	w.heartbeat(ctx)

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ctx); err != nil {
			w.log.Error().Err(err).Msg("rpc server exited")
		}
	}()
	go func() {
		defer w.wg.Done()
		w.restore(ctx)
		w.reconciler.Sweep(ctx)
		w.reconciler.Run(ctx, w.opts.SweepPeriod)
	}()

	w.log.Info().Strs("collectors", w.rt.Collectors.Keys()).Msg("worker started")
}

// Stop drains in-flight messages, removes every local schedule and leaves
// the cluster.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.server.Wait()

	w.mu.Lock()
	for id, h := range w.jobs {
		h.Stop()
		delete(w.jobs, id)
	}
	w.mu.Unlock()

	w.sched.Stop(ctx)

	if err := w.registry.Deregister(ctx, w.id); err != nil {
		w.log.Warn().Err(err).Msg("failed to deregister")
	}
	w.log.Info().Msg("worker stopped")
}

// restore reschedules the tasks this node owned before a restart.
func (w *Worker) restore(ctx context.Context) {
	tasks, err := w.rt.Repo.ListTasks(ctx, repository.TaskFilter{
		Executor: w.id,
		Deleted:  repository.Bool(false),
	})
	if err != nil {
		w.log.Error().Err(err).Msg("failed to load owned tasks")
		return
	}

	var g errgroup.Group
	g.SetLimit(restoreConcurrency)
	for _, t := range tasks {
		g.Go(func() error {
			if err := w.AssignJob(ctx, rpc.AssignJobArgs{TaskID: t.ID}); err != nil {
				w.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to restore job")
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(tasks) > 0 {
		w.log.Info().Int("tasks", len(tasks)).Msg("restored owned jobs")
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	if err := w.registry.Heartbeat(ctx, w.id); err != nil {
		w.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (w *Worker) handler(ctx context.Context, taskID string) (*telemetry.JobHandler, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h, ok := w.jobs[taskID]; ok {
		return h, nil
	}

	h, err := telemetry.Get(ctx, w.rt, taskID)
	if err != nil {
		return nil, err
	}
	w.jobs[taskID] = h
	return h, nil
}

// Jobs returns the number of tasks with a bound handler.
func (w *Worker) Jobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

func (w *Worker) AssignJob(ctx context.Context, args rpc.AssignJobArgs) error {
	h, err := w.handler(ctx, args.TaskID)
	if err != nil {
		return err
	}
	return h.ScheduleJob(ctx)
}

func (w *Worker) RemoveJob(ctx context.Context, args rpc.RemoveJobArgs) error {
	if args.Executor != "" && args.Executor != w.id {
		return fmt.Errorf("remove_job for %s delivered to %s", args.Executor, w.id)
	}

	w.mu.Lock()
	h, ok := w.jobs[args.TaskID]
	delete(w.jobs, args.TaskID)
	w.mu.Unlock()

	if !ok {
		h = telemetry.NewJobHandler(w.rt, args.TaskID)
	}
	h.RemoveJob(ctx)
	h.Stop()
	return nil
}

func (w *Worker) RemoveFailedJob(ctx context.Context, args rpc.RemoveFailedJobArgs) error {
	if args.Executor != "" && args.Executor != w.id {
		return fmt.Errorf("remove_failed_job for %s delivered to %s", args.Executor, w.id)
	}
	return telemetry.RemoveFailedJob(ctx, w.rt, args.FailedTaskID)
}

// CollectTelemetry runs one synchronous collection for a retry attempt.
// Collection errors are reported in the reply, not as RPC errors.
func (w *Worker) CollectTelemetry(ctx context.Context, args rpc.CollectTelemetryArgs) (rpc.CollectTelemetryReply, error) {
	log := w.log.With().Str("storage_id", args.StorageID).Str("method", args.Method).Logger()

	c, err := w.rt.Collectors.GetInstance(ctx, args.Method)
	if err != nil {
		log.Error().Err(err).Msg("cannot resolve collector")
		return rpc.CollectTelemetryReply{Status: rpc.StatusFailure, Error: err.Error()}, nil
	}

	samples, err := c.Collect(ctx, args.StorageID, args.Args, args.Start, args.End)
	if err != nil {
		log.Warn().Err(err).Msg("collection failed")
		return rpc.CollectTelemetryReply{Status: rpc.StatusFailure, Error: err.Error()}, nil
	}

	return rpc.CollectTelemetryReply{Status: rpc.StatusSuccess, Samples: len(samples)}, nil
}
