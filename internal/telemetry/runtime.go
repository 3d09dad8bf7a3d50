// Package telemetry runs telemetry jobs on an executor node: the Job Handler
// schedules and backfills a Task, the Retry Handler drives a FailedTask's
// bounded retries, and the Reconciler keeps retry schedules consistent with
// the persisted rows.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/nadmax/telemetryd/internal/collector"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/rs/zerolog"
)

// Scheduler is the subset of scheduler.Scheduler the handlers use.
type Scheduler interface {
	Add(handle string, spec scheduler.Spec, fn func()) error
	Remove(handle string) bool
	Pause(handle string) bool
	Has(handle string) bool
}

// Caller runs a collection through the RPC layer.
type Caller interface {
	CollectTelemetry(ctx context.Context, executor string, args rpc.CollectTelemetryArgs) (rpc.CollectTelemetryReply, error)
}

type Settings struct {
	HistoryWindow     time.Duration
	MaxRetry          int
	FailedJobInterval time.Duration
}

// Runtime is built once per process and shared by every handler on the node.
type Runtime struct {
	Repo       repository.TaskRepository
	Scheduler  Scheduler
	Collectors *collector.Registry
	Caller     Caller
	Node       string
	Settings   Settings
	Log        zerolog.Logger
	Now        func() time.Time

	retries retryTable
}

// persistTimeout bounds bookkeeping writes that must outlive the collection
// they describe.
const persistTimeout = 10 * time.Second

// persistContext detaches ctx from its deadline so a timed-out collection
// can still be recorded.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

// retryTable maps FailedTask ids to the retry handles registered on this
// node, so entries can be removed after their rows are gone.
type retryTable struct {
	mu      sync.Mutex
	handles map[string]string
}

func (t *retryTable) set(failedTaskID, handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles == nil {
		t.handles = make(map[string]string)
	}
	t.handles[failedTaskID] = handle
}

func (t *retryTable) get(failedTaskID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[failedTaskID]
	return h, ok
}

// drop forgets failedTaskID if it still maps to handle.
func (t *retryTable) drop(failedTaskID, handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles[failedTaskID] == handle {
		delete(t.handles, failedTaskID)
	}
}

// removeRetry removes every entry this node knows for failedTaskID. jobID is
// the handle persisted on the row, if any.
func (rt *Runtime) removeRetry(failedTaskID, jobID string) bool {
	removed := false
	if h, ok := rt.retries.get(failedTaskID); ok {
		removed = rt.Scheduler.Remove(h)
		rt.retries.drop(failedTaskID, h)
	}
	if jobID != "" && rt.Scheduler.Remove(jobID) {
		removed = true
	}
	return removed
}
