// Package distributor runs the leader-only sweep that hands unowned tasks to
// live worker nodes and relays task deletions to their executors.
package distributor

import (
	"context"
	"time"

	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Caster sends fire-and-forget messages to worker nodes.
type Caster interface {
	AssignJob(ctx context.Context, executor, taskID string) error
	RemoveJob(ctx context.Context, executor, taskID string) error
	RemoveFailedJob(ctx context.Context, executor, failedTaskID string) error
}

type Nodes interface {
	LiveNodes(ctx context.Context, deadTimeout time.Duration) ([]string, error)
}

type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Leader(ctx context.Context) (string, error)
}

type Options struct {
	Period      time.Duration
	LeaseRenew  time.Duration
	DeadTimeout time.Duration
	// CastRate caps casts per second; zero means unlimited.
	CastRate float64
}

type Distributor struct {
	repo    repository.TaskRepository
	caster  Caster
	nodes   Nodes
	leader  Leader
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger

	kick    chan struct{}
	next    int
	leading bool
}

func New(repo repository.TaskRepository, caster Caster, nodes Nodes, leader Leader, opts Options, log zerolog.Logger) *Distributor {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.CastRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CastRate), max(1, int(opts.CastRate)))
	}

	return &Distributor{
		repo:    repo,
		caster:  caster,
		nodes:   nodes,
		leader:  leader,
		opts:    opts,
		limiter: limiter,
		log:     log,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an early sweep. It never blocks.
func (d *Distributor) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run campaigns for the leader lease and sweeps every period while it holds
// it. Losing the lease cancels the sweep in flight.
func (d *Distributor) Run(ctx context.Context) {
	defer d.release()

	retry := time.NewTicker(d.renewEvery())
	defer retry.Stop()

	for {
		if d.elect(ctx) {
			d.lead(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-retry.C:
		case <-d.kick:
		}
	}
}

func (d *Distributor) renewEvery() time.Duration {
	if d.opts.LeaseRenew > 0 {
		return d.opts.LeaseRenew
	}
	return d.opts.Period
}

// lead runs one leadership term. The lease is renewed beside the sweeps so a
// long sweep cannot let it lapse unnoticed.
func (d *Distributor) lead(ctx context.Context) {
	term, cancel := context.WithCancel(ctx)
	held := make(chan struct{})
	go func() {
		defer close(held)
		d.holdLease(term, cancel)
	}()
	defer func() {
		cancel()
		<-held
	}()

	sweep := time.NewTicker(d.opts.Period)
	defer sweep.Stop()

	d.Sweep(term)
	for {
		select {
		case <-term.Done():
			return
		case <-sweep.C:
			d.Sweep(term)
		case <-d.kick:
			d.Sweep(term)
		}
	}
}

func (d *Distributor) holdLease(ctx context.Context, lost context.CancelFunc) {
	ticker := time.NewTicker(d.renewEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.elect(ctx) {
				lost()
				return
			}
		}
	}
}

func (d *Distributor) elect(ctx context.Context) bool {
	ok, err := d.leader.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return d.leading
		}
		d.log.Error().Err(err).Msg("leader election failed")
		ok = false
	}

	if ok != d.leading {
		d.leading = ok
		if ok {
			d.log.Info().Msg("acquired distributor leadership")
		} else {
			holder, _ := d.leader.Leader(ctx)
			d.log.Info().Str("leader", holder).Msg("lost distributor leadership")
		}
	}
	return ok
}

func (d *Distributor) release() {
	if !d.leading {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.leader.Release(ctx); err != nil {
		d.log.Warn().Err(err).Msg("failed to release leadership")
	}
	d.leading = false
}

// Sweep relays deletions, reclaims tasks owned by dead nodes and assigns
// every unowned task. A failure on one task never stops the others.
func (d *Distributor) Sweep(ctx context.Context) {
	began := time.Now()
	defer func() { metrics.RecordSweep("distributor", time.Since(began)) }()

	d.relayDeletions(ctx)
	if ctx.Err() != nil {
		return
	}

	live, err := d.nodes.LiveNodes(ctx, d.opts.DeadTimeout)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list live nodes")
		return
	}
	if len(live) == 0 {
		d.log.Warn().Msg("no live worker nodes, skipping assignment")
		return
	}

	d.reclaimDeadOwners(ctx, live)
	d.assignUnowned(ctx, live)
}

func (d *Distributor) relayDeletions(ctx context.Context) {
	tasks, err := d.repo.ListTasks(ctx, repository.TaskFilter{Deleted: repository.Bool(true)})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list deleted tasks")
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}

		log := d.log.With().Str("task_id", t.ID).Str("executor", t.Executor).Logger()
		if err := d.relayDeletion(ctx, t); err != nil {
			metrics.RecordRemovalRelayed("error")
			log.Error().Err(err).Msg("failed to relay task removal")
			continue
		}
		metrics.RecordRemovalRelayed("success")
		log.Info().Msg("task removal relayed")
	}
}

func (d *Distributor) relayDeletion(ctx context.Context, t *task.Task) error {
	if t.Executor != "" {
		if err := d.wait(ctx); err != nil {
			return err
		}
		if err := d.caster.RemoveJob(ctx, t.Executor, t.ID); err != nil {
			return err
		}
	}

	failed, err := d.repo.ListFailedTasks(ctx, repository.FailedTaskFilter{TaskID: t.ID, IncludeDeleted: true})
	if err != nil {
		return err
	}
	for _, f := range failed {
		if f.Executor == "" {
			continue
		}
		if err := d.wait(ctx); err != nil {
			return err
		}
		if err := d.caster.RemoveFailedJob(ctx, f.Executor, f.ID); err != nil {
			return err
		}
	}

	if err := d.repo.DeleteFailedTasksByTask(ctx, t.ID); err != nil {
		return err
	}
	return d.repo.DeleteTask(ctx, t.ID)
}

func (d *Distributor) reclaimDeadOwners(ctx context.Context, live []string) {
	alive := make(map[string]struct{}, len(live))
	for _, n := range live {
		alive[n] = struct{}{}
	}

	tasks, err := d.repo.ListTasks(ctx, repository.TaskFilter{Deleted: repository.Bool(false)})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list owned tasks")
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if t.Executor == "" {
			continue
		}
		if _, ok := alive[t.Executor]; ok {
			continue
		}

		log := d.log.With().Str("task_id", t.ID).Str("executor", t.Executor).Logger()
		if err := d.reclaim(ctx, t); err != nil {
			log.Error().Err(err).Msg("failed to reclaim task")
			continue
		}
		log.Warn().Msg("executor is dead, task reclaimed")
	}
}

// reclaim takes t and its FailedTasks away from a silent executor. The
// removals stay queued for that node, so one that was only late drops its
// schedules when it catches up.
func (d *Distributor) reclaim(ctx context.Context, t *task.Task) error {
	failed, err := d.repo.ListFailedTasks(ctx, repository.FailedTaskFilter{TaskID: t.ID})
	if err != nil {
		return err
	}

	if err := d.wait(ctx); err != nil {
		return err
	}
	if err := d.caster.RemoveJob(ctx, t.Executor, t.ID); err != nil {
		return err
	}
	for _, f := range failed {
		if f.Executor == "" {
			continue
		}
		if err := d.wait(ctx); err != nil {
			return err
		}
		if err := d.caster.RemoveFailedJob(ctx, f.Executor, f.ID); err != nil {
			return err
		}
	}

	if err := d.repo.UpdateFailedTasksExecutor(ctx, t.ID, ""); err != nil {
		return err
	}
	return d.repo.ClearTaskOwner(ctx, t.ID)
}

func (d *Distributor) assignUnowned(ctx context.Context, live []string) {
	tasks, err := d.repo.ListTasks(ctx, repository.TaskFilter{
		Unassigned: true,
		Deleted:    repository.Bool(false),
	})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list unassigned tasks")
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}

		executor := live[d.next%len(live)]
		d.next++

		log := d.log.With().Str("task_id", t.ID).Str("executor", executor).Logger()
		if err := d.assign(ctx, t, executor); err != nil {
			metrics.RecordAssignment("error")
			log.Error().Err(err).Msg("failed to assign task")
			continue
		}
		metrics.RecordAssignment("success")
		log.Info().Msg("task assigned")
	}
}

// assign hands t and its FailedTasks to executor. The new owner's
// Reconciler picks the FailedTasks up on its next pass.
func (d *Distributor) assign(ctx context.Context, t *task.Task, executor string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	if err := d.repo.UpdateTaskExecutor(ctx, t.ID, executor); err != nil {
		return err
	}

	err := d.repo.UpdateFailedTasksExecutor(ctx, t.ID, executor)
	if err == nil {
		err = d.caster.AssignJob(ctx, executor, t.ID)
	}
	if err != nil {
		d.rollback(ctx, t.ID)
		return err
	}

	return nil
}

func (d *Distributor) rollback(ctx context.Context, taskID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := d.log.With().Str("task_id", taskID).Logger()
	if err := d.repo.UpdateFailedTasksExecutor(ctx, taskID, ""); err != nil {
		log.Error().Err(err).Msg("failed to roll back failed task owner")
	}
	if err := d.repo.ClearTaskOwner(ctx, taskID); err != nil {
		log.Error().Err(err).Msg("failed to roll back executor")
	}
}

func (d *Distributor) wait(ctx context.Context) error {
	return d.limiter.Wait(ctx)
}
