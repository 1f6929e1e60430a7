package engine

import "time"

// Clock supplies wall-clock time for started_at, completed_at and job
// schedules.
//
// All times are UTC. Tests substitute testutil.ManualClock to travel in
// time deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f() in UTC.
func (f ClockFunc) Now() time.Time {
	return f().UTC()
}

// SystemClock is the real time source.
var SystemClock Clock = ClockFunc(time.Now)
