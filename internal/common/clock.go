package common

import "time"

// Clock abstracts time for components that make age-based decisions (the
// work failer, dispatch fairness) so tests can inject a fixed time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock returns a predetermined time, advanced manually by tests.
type FixedClock struct {
	Time time.Time
}

// Now returns the fixed time.
func (c *FixedClock) Now() time.Time {
	return c.Time
}

// Advance moves the fixed clock forward.
func (c *FixedClock) Advance(d time.Duration) {
	c.Time = c.Time.Add(d)
}
