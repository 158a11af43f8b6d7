package aggregator

import "time"

// Clock abstracts wall-clock time and timer scheduling so tests can drive
// hour boundaries without sleeping.
type Clock interface {
	Now() time.Time
	// After fires once the duration has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// nextHourBoundary returns the next wall-clock minute-zero instant strictly
// after now.
func nextHourBoundary(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
