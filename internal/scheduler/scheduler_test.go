package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupScheduler(t *testing.T) *Scheduler {
	s := New(zerolog.Nop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestIntervalScheduleNext(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &intervalSchedule{start: start, every: time.Minute}

	assert.Equal(t, start, s.Next(start.Add(-time.Hour)))
	assert.Equal(t, start.Add(time.Minute), s.Next(start))
	assert.Equal(t, start.Add(2*time.Minute), s.Next(start.Add(61*time.Second)))
	assert.Equal(t, 10*time.Second, s.lateness(start.Add(70*time.Second)))
	assert.Zero(t, s.lateness(start.Add(-time.Second)))
}

func TestAdd_RejectsInvalidSpec(t *testing.T) {
	s := setupScheduler(t)

	err := s.Add("h1", Spec{Every: 0}, func() {})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.False(t, s.Has("h1"))
}

func TestAdd_DuplicateHandle(t *testing.T) {
	s := setupScheduler(t)
	spec := Spec{Every: time.Hour, Start: time.Now().Add(time.Hour)}

	require.NoError(t, s.Add("h1", spec, func() {}))
	assert.ErrorIs(t, s.Add("h1", spec, func() {}), ErrDuplicateHandle)
	assert.Equal(t, 1, s.Len())
}

func TestAdd_FiresRepeatedly(t *testing.T) {
	s := setupScheduler(t)
	var calls atomic.Int32

	err := s.Add("h1", Spec{
		Every:     50 * time.Millisecond,
		Start:     time.Now().Add(50 * time.Millisecond),
		Tolerance: 25 * time.Millisecond,
	}, func() { calls.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestAdd_PastStartFiresImmediately(t *testing.T) {
	s := setupScheduler(t)
	fired := make(chan struct{}, 1)

	err := s.Add("h1", Spec{Every: time.Hour}, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("entry with zero start did not fire immediately")
	}
}

func TestFutureStartDoesNotFireEarly(t *testing.T) {
	s := setupScheduler(t)
	var calls atomic.Int32

	require.NoError(t, s.Add("h1", Spec{Every: time.Hour, Start: time.Now().Add(time.Hour)}, func() { calls.Add(1) }))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRemove(t *testing.T) {
	s := setupScheduler(t)
	var calls atomic.Int32

	require.NoError(t, s.Add("h1", Spec{Every: 30 * time.Millisecond, Start: time.Now().Add(30 * time.Millisecond)}, func() { calls.Add(1) }))
	assert.True(t, s.Remove("h1"))
	assert.False(t, s.Remove("h1"), "second remove is a no-op")
	assert.False(t, s.Has("h1"))

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestPause(t *testing.T) {
	s := setupScheduler(t)
	var calls atomic.Int32

	require.NoError(t, s.Add("h1", Spec{Every: 30 * time.Millisecond, Start: time.Now().Add(30 * time.Millisecond)}, func() { calls.Add(1) }))
	require.True(t, s.Pause("h1"))
	assert.True(t, s.Has("h1"), "paused entries stay registered")
	assert.True(t, s.Paused("h1"))

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestPauseUnknownHandle(t *testing.T) {
	s := setupScheduler(t)

	assert.False(t, s.Pause("missing"))
	assert.False(t, s.Has(""))
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	s := setupScheduler(t)
	var running, maxRunning atomic.Int32
	release := make(chan struct{})

	require.NoError(t, s.Add("h1", Spec{Every: 20 * time.Millisecond}, func() {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		<-release
		running.Add(-1)
	}))

	time.Sleep(150 * time.Millisecond)
	close(release)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestAddAfterStop(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	s.Stop(context.Background())

	err := s.Add("h1", Spec{Every: time.Second}, func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPanickingTickDoesNotKillScheduler(t *testing.T) {
	s := setupScheduler(t)
	var calls atomic.Int32

	require.NoError(t, s.Add("h1", Spec{Every: 30 * time.Millisecond}, func() {
		calls.Add(1)
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 10*time.Millisecond)
}
