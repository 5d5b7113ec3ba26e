// Package clock abstracts the wall clock used for lease and TTL expiry.
//
// Lease and reservation expiry compare timestamps written by other
// processes, possibly on other hosts. Durations should therefore be
// generous enough to absorb clock skew; nothing here assumes
// synchronized clocks.
package clock

import "time"

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, in UTC.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Or returns c, or the system clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
