// Package clock provides a time abstraction so timer driven code can be tested.
// Use RealClock in production and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface for the time operations the presence logic needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	// The returned Timer can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single scheduled call that can be stopped.
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops the timer,
	// false if the timer has already expired or been stopped.
	Stop() bool
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time                  { return time.Now() }
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer { //nolint:ireturn
	return time.AfterFunc(d, f)
}

// MockClock is a Clock for tests. Time only moves via Advance or Set.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	stopped  bool
}

// NewMockClock creates a new MockClock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// AfterFunc schedules f to be called once the mock time reached now+d.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer { //nolint:ireturn
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &mockTimer{clock: c, deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, timer)

	return timer
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0

	for _, timer := range c.timers {
		if !timer.stopped {
			pending++
		}
	}

	return pending
}

// Advance moves the clock forward by d. Due timers fire in deadline order and
// each one sees the clock set to its own deadline. Timers scheduled by a firing
// callback fire in the same call if they are due before the target time.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()

		var next *mockTimer

		for _, timer := range c.timers {
			if timer.stopped || timer.deadline.After(target) {
				continue
			}

			if next == nil || timer.deadline.Before(next.deadline) {
				next = timer
			}
		}

		if next == nil {
			c.current = target
			c.compact()
			c.mu.Unlock()

			return
		}

		next.stopped = true
		c.current = next.deadline
		c.mu.Unlock()

		// fire outside the lock, the callback may schedule new timers
		next.f()
	}
}

// Set moves the clock to t, firing due timers if t lies in the future.
func (c *MockClock) Set(t time.Time) {
	now := c.Now()

	if t.After(now) {
		c.Advance(t.Sub(now))

		return
	}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// compact drops stopped timers, callers must hold c.mu.
func (c *MockClock) compact() {
	remaining := c.timers[:0]

	for _, timer := range c.timers {
		if !timer.stopped {
			remaining = append(remaining, timer)
		}
	}

	c.timers = remaining
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true

	return wasActive
}
