package scheduler

import "time"

// intervalSchedule fires at start, start+every, start+2*every, ...
type intervalSchedule struct {
	start time.Time
	every time.Duration
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	if t.Before(s.start) {
		return s.start
	}
	k := t.Sub(s.start)/s.every + 1
	return s.start.Add(k * s.every)
}

// lateness is how far t trails the most recent grid point.
func (s *intervalSchedule) lateness(t time.Time) time.Duration {
	if t.Before(s.start) {
		return 0
	}
	return t.Sub(s.start) % s.every
}
