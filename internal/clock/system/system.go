// Package system supplies the wall clock used for task and envelope
// timestamps.
package system

import "time"

// Clock reads the host clock. Readings are in UTC so stored timestamps
// carry no local offset.
type Clock struct{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now implements scrape.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
