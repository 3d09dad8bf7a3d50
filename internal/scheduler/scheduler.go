package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateHandle = errors.New("scheduler: handle already registered")
	ErrInvalidSpec     = errors.New("scheduler: interval must be positive")
	ErrStopped         = errors.New("scheduler: stopped")
)

// Spec describes a repeating entry.
type Spec struct {
	Every time.Duration
	// Start is the first fire time. A zero or past Start fires immediately.
	Start time.Time
	// Tolerance is how late a tick may be dispatched and still run.
	// Zero disables the check.
	Tolerance time.Duration
}

type entry struct {
	handle  string
	cronID  cron.EntryID
	spec    Spec
	sched   *intervalSchedule
	fn      func()
	paused  atomic.Bool
	running atomic.Bool
}

type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	log     zerolog.Logger
	stopped bool
}

func New(log zerolog.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]*entry),
		log:     log,
	}
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.log.Info().Int("entries", s.Len()).Msg("scheduler started")
}

// Stop halts all triggering and waits for running ticks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}

// Add registers fn under handle.
func (s *Scheduler) Add(handle string, spec Spec, fn func()) error {
	if spec.Every <= 0 {
		return ErrInvalidSpec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.entries[handle]; ok {
		return ErrDuplicateHandle
	}

	now := time.Now()
	immediate := !spec.Start.After(now)
	start := spec.Start
	if immediate {
		start = now
	}

	e := &entry{
		handle: handle,
		spec:   spec,
		sched:  &intervalSchedule{start: start, every: spec.Every},
		fn:     fn,
	}
	e.cronID = s.c.Schedule(e.sched, cron.FuncJob(func() { s.fire(e) }))
	s.entries[handle] = e
	metrics.SetScheduledEntries(len(s.entries))

	if immediate {
		go s.fire(e)
	}

	return nil
}

// Remove unregisters handle. Removing an unknown handle is a no-op.
// A tick already in flight is not interrupted.
func (s *Scheduler) Remove(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[handle]
	if !ok {
		return false
	}
	e.paused.Store(true)
	s.c.Remove(e.cronID)
	delete(s.entries, handle)
	metrics.SetScheduledEntries(len(s.entries))
	return true
}

func (s *Scheduler) Pause(handle string) bool {
	e := s.lookup(handle)
	if e == nil {
		return false
	}
	e.paused.Store(true)
	return true
}

// Has reports whether handle is registered, paused or not.
func (s *Scheduler) Has(handle string) bool {
	if handle == "" {
		return false
	}
	return s.lookup(handle) != nil
}

func (s *Scheduler) Paused(handle string) bool {
	e := s.lookup(handle)
	return e != nil && e.paused.Load()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) lookup(handle string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[handle]
}

func (s *Scheduler) fire(e *entry) {
	if e.paused.Load() {
		return
	}

	if tol := e.spec.Tolerance; tol > 0 {
		if late := e.sched.lateness(time.Now()); late > tol {
			metrics.RecordTickMissed("late")
			s.log.Warn().
				Str("job_id", e.handle).
				Dur("late", late).
				Dur("tolerance", tol).
				Msg("tick dispatched past tolerance, skipped")
			return
		}
	}

	if !e.running.CompareAndSwap(false, true) {
		metrics.RecordTickMissed("overlap")
		s.log.Warn().Str("job_id", e.handle).Msg("previous tick still running, skipped")
		return
	}
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job_id", e.handle).Interface("panic", r).Msg("tick panicked")
		}
	}()

	e.fn()
}
