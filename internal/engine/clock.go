package engine

import "time"

// Clock supplies wall-clock time for event timestamps, window closing and
// dead-letter and resolution times.
//
// Wall-clock time is only ever used for conflict precedence and windowing;
// lineage order comes from the version store's sequence counter.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time in UTC.
//
// Thread-safety: SystemClock is stateless and safe for concurrent use.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
