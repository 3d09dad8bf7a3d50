package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) addFailedTask(ft *task.FailedTask) *task.FailedTask {
	if ft.ID == "" {
		ft.ID = "ft-1"
	}
	if ft.TaskID == "" {
		ft.TaskID = "task-1"
	}
	if ft.Method == "" {
		ft.Method = "performance"
	}
	if ft.Result == "" {
		ft.Result = task.ResultInit
	}
	if ft.Interval == 0 {
		ft.Interval = 20
	}
	if ft.Executor == "" {
		ft.Executor = "worker-1"
	}
	f.repo.AddFailedTask(ft)
	return ft
}

// registerRetry puts a paused-able entry under handle so pauses can be observed.
func (f *fixture) registerRetry(t *testing.T, handle string) {
	require.NoError(t, f.sched.Add(handle, scheduler.Spec{Every: 20 * time.Second}, func() {}))
}

func TestRetry_ExhaustsAtCap(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1"})
	f.registerRetry(t, "retry-1")

	h := NewRetryHandler(f.rt, "ft-1", "retry-1")
	ctx := context.Background()

	require.NoError(t, h.Run(ctx))
	ft := f.repo.FailedTask("ft-1")
	assert.Equal(t, 1, ft.RetryCount)
	assert.Equal(t, task.ResultStarted, ft.Result)
	assert.False(t, f.sched.entry("retry-1").paused)

	require.NoError(t, h.Run(ctx))
	require.NoError(t, h.Run(ctx))

	ft = f.repo.FailedTask("ft-1")
	assert.Equal(t, 3, ft.RetryCount)
	assert.Equal(t, task.ResultInit, ft.Result)
	assert.True(t, f.sched.entry("retry-1").paused)

	require.NoError(t, h.Run(ctx))
	assert.Equal(t, 3, f.repo.FailedTask("ft-1").RetryCount, "count never passes the cap")
	assert.Len(t, f.repo.UpdateResultCalls, 3)
	assert.Len(t, f.caller.calls, 3)
}

func TestRetry_Success(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1", RetryCount: 1, Result: task.ResultStarted})
	f.registerRetry(t, "retry-1")
	f.caller.replies = []rpc.Status{rpc.StatusSuccess}

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	ft := f.repo.FailedTask("ft-1")
	assert.Equal(t, 2, ft.RetryCount)
	assert.Equal(t, task.ResultSuccess, ft.Result)
	e := f.sched.entry("retry-1")
	require.NotNil(t, e, "success pauses, never removes")
	assert.True(t, e.paused)
	assert.NotNil(t, f.repo.FailedTask("ft-1"), "row is left for the reconciler")
}

func TestRetry_CallArguments(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60, StorageID: "storage-9", Args: map[string]any{"pool": "p1"}})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1", StartTime: 1000, EndTime: 61000, Executor: "worker-7"})
	f.registerRetry(t, "retry-1")

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	require.Len(t, f.caller.calls, 1)
	assert.Equal(t, rpc.CollectTelemetryArgs{
		Method:    "performance",
		StorageID: "storage-9",
		Args:      map[string]any{"pool": "p1"},
		Start:     1000,
		End:       61000,
	}, f.caller.calls[0])
	assert.Equal(t, []string{"worker-7"}, f.caller.targets)
}

func TestRetry_RPCErrorCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1"})
	f.registerRetry(t, "retry-1")
	f.caller.err = rpc.ErrCallTimeout

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	ft := f.repo.FailedTask("ft-1")
	assert.Equal(t, 1, ft.RetryCount)
	assert.Equal(t, task.ResultStarted, ft.Result)
}

func TestRetry_AlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1", Result: task.ResultSuccess, RetryCount: 1})
	f.registerRetry(t, "retry-1")

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	assert.Empty(t, f.caller.calls)
	assert.Empty(t, f.repo.UpdateResultCalls)
	assert.True(t, f.sched.entry("retry-1").paused)
}

func TestRetry_RowGoneRemovesEntry(t *testing.T) {
	f := newFixture(t)
	f.registerRetry(t, "retry-1")

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))
	assert.False(t, f.sched.Has("retry-1"))
}

func TestRetry_ParentGonePauses(t *testing.T) {
	f := newFixture(t)
	f.addFailedTask(&task.FailedTask{JobID: "retry-1"})
	f.registerRetry(t, "retry-1")

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	assert.Empty(t, f.caller.calls)
	assert.True(t, f.sched.entry("retry-1").paused)
	assert.NotNil(t, f.repo.FailedTask("ft-1"))
}

func TestRetry_PersistError(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1"})
	f.registerRetry(t, "retry-1")
	f.repo.UpdateResultError = errors.New("connection reset")

	err := NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background())
	require.Error(t, err)
	assert.False(t, f.sched.entry("retry-1").paused)
}

func TestScheduleFailedJob(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	ft := f.addFailedTask(&task.FailedTask{Interval: 40})

	handle, err := ScheduleFailedJob(context.Background(), f.rt, ft, 0)
	require.NoError(t, err)

	assert.Equal(t, handle, f.repo.FailedTask("ft-1").JobID)
	e := f.sched.entry(handle)
	require.NotNil(t, e)
	assert.Equal(t, 40*time.Second, e.spec.Every)
	assert.Equal(t, 20*time.Second, e.spec.Tolerance)
	assert.Equal(t, f.now, e.spec.Start)

	f.caller.replies = []rpc.Status{rpc.StatusSuccess}
	f.sched.fire(t, handle)
	assert.Equal(t, task.ResultSuccess, f.repo.FailedTask("ft-1").Result)
	assert.True(t, f.sched.entry(handle).paused)
}

func TestRemoveFailedJob(t *testing.T) {
	f := newFixture(t)
	f.addFailedTask(&task.FailedTask{JobID: "retry-1"})
	f.registerRetry(t, "retry-1")

	require.NoError(t, RemoveFailedJob(context.Background(), f.rt, "ft-1"))
	assert.False(t, f.sched.Has("retry-1"))

	require.NoError(t, RemoveFailedJob(context.Background(), f.rt, "missing"))
}

func TestRemoveFailedJob_AfterRowDeleted(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	ft := f.addFailedTask(&task.FailedTask{})

	handle, err := ScheduleFailedJob(context.Background(), f.rt, ft, 0)
	require.NoError(t, err)
	require.NoError(t, f.repo.DeleteFailedTask(context.Background(), "ft-1"))

	require.NoError(t, RemoveFailedJob(context.Background(), f.rt, "ft-1"))
	assert.False(t, f.sched.Has(handle))

	_, ok := f.rt.retries.get("ft-1")
	assert.False(t, ok)
}

func TestRetry_RowGoneForgetsHandle(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	ft := f.addFailedTask(&task.FailedTask{})

	handle, err := ScheduleFailedJob(context.Background(), f.rt, ft, 0)
	require.NoError(t, err)
	require.NoError(t, f.repo.DeleteFailedTask(context.Background(), "ft-1"))

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", handle).Run(context.Background()))
	assert.False(t, f.sched.Has(handle))

	_, ok := f.rt.retries.get("ft-1")
	assert.False(t, ok)
}

func TestRetry_MovedToOtherNodeDropsEntry(t *testing.T) {
	f := newFixture(t)
	f.addTask(&task.Task{Interval: 60})
	f.addFailedTask(&task.FailedTask{JobID: "retry-1", Executor: "worker-2"})
	f.registerRetry(t, "retry-1")

	require.NoError(t, NewRetryHandler(f.rt, "ft-1", "retry-1").Run(context.Background()))

	assert.False(t, f.sched.Has("retry-1"))
	assert.Empty(t, f.caller.calls)
	assert.Empty(t, f.repo.UpdateResultCalls)
}
