package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/telemetryd/internal/collector"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	spec   scheduler.Spec
	fn     func()
	paused bool
}

type fakeScheduler struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	removed []string
	addErr  error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{entries: make(map[string]*fakeEntry)}
}

func (s *fakeScheduler) Add(handle string, spec scheduler.Spec, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	if _, ok := s.entries[handle]; ok {
		return scheduler.ErrDuplicateHandle
	}
	s.entries[handle] = &fakeEntry{spec: spec, fn: fn}
	return nil
}

func (s *fakeScheduler) Remove(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[handle]; !ok {
		return false
	}
	delete(s.entries, handle)
	s.removed = append(s.removed, handle)
	return true
}

func (s *fakeScheduler) Pause(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	if ok {
		e.paused = true
	}
	return ok
}

func (s *fakeScheduler) Has(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[handle]
	return ok
}

func (s *fakeScheduler) entry(handle string) *fakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[handle]
}

func (s *fakeScheduler) handles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for h := range s.entries {
		out = append(out, h)
	}
	return out
}

// fire runs handle's callback as the scheduler would.
func (s *fakeScheduler) fire(t *testing.T, handle string) {
	e := s.entry(handle)
	require.NotNil(t, e, "no entry %s", handle)
	e.fn()
}

type window struct {
	storageID  string
	start, end int64
}

type fakeCollector struct {
	mu    sync.Mutex
	calls []window
	err   error
}

func (c *fakeCollector) Collect(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]collector.Metric, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, window{storageID: storageID, start: startMs, end: endMs})
	if c.err != nil {
		return nil, c.err
	}
	return []collector.Metric{{StorageID: storageID, Resource: "pool", Name: "iops", Value: 1}}, nil
}

func (c *fakeCollector) windows() []window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]window(nil), c.calls...)
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []rpc.CollectTelemetryArgs
	targets []string
	replies []rpc.Status
	err     error
}

func (c *fakeCaller) CollectTelemetry(ctx context.Context, executor string, args rpc.CollectTelemetryArgs) (rpc.CollectTelemetryReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, args)
	c.targets = append(c.targets, executor)
	if c.err != nil {
		return rpc.CollectTelemetryReply{}, c.err
	}
	status := rpc.StatusFailure
	if len(c.replies) > 0 {
		status = c.replies[0]
		c.replies = c.replies[1:]
	}
	return rpc.CollectTelemetryReply{Status: status}, nil
}

type fixture struct {
	rt        *Runtime
	repo      *repository.MockRepository
	sched     *fakeScheduler
	caller    *fakeCaller
	collector *fakeCollector
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      repository.NewMockRepository(),
		sched:     newFakeScheduler(),
		caller:    &fakeCaller{},
		collector: &fakeCollector{},
		now:       time.Unix(1_700_000_000, 0),
	}

	reg := collector.NewRegistry()
	reg.RegisterCollector(collector.PerformanceMethod, f.collector)

	f.rt = &Runtime{
		Repo:       f.repo,
		Scheduler:  f.sched,
		Collectors: reg,
		Caller:     f.caller,
		Node:       "worker-1",
		Settings: Settings{
			HistoryWindow:     300 * time.Second,
			MaxRetry:          3,
			FailedJobInterval: 20 * time.Second,
		},
		Log: zerolog.Nop(),
		Now: func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) addTask(t *task.Task) *task.Task {
	if t.ID == "" {
		t.ID = "task-1"
	}
	if t.StorageID == "" {
		t.StorageID = "storage-1"
	}
	if t.Method == "" {
		t.Method = collector.PerformanceMethod
	}
	if t.Executor == "" {
		t.Executor = "worker-1"
	}
	f.repo.AddTask(t)
	return t
}
