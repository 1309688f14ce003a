package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/Shiu/dynamic-presence/internal/clock"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/charmbracelet/log"
)

// Timer is a single slot one-shot timer. Starting it replaces a pending
// callback, and a replaced or cancelled callback never reaches onExpire.
//
// onExpire runs with locker held. Pass the lock that guards the state
// onExpire touches, Start and Cancel are then expected to be called with it held.
type Timer struct {
	name     string
	clock    clock.Clock
	locker   sync.Locker
	onExpire func()
	pr       *log.Logger

	mu         sync.Mutex
	generation uint64
	pending    clock.Timer
	startedAt  time.Time
	duration   time.Duration
	active     bool
}

// NewTimer creates an inactive timer.
func NewTimer(name string, clk clock.Clock, locker sync.Locker, onExpire func(), logger *log.Logger) *Timer {
	if logger == nil {
		logger = models.Printer
	}

	return &Timer{
		name:     name,
		clock:    clk,
		locker:   locker,
		onExpire: onExpire,
		pr:       logger,
	}
}

// Start (re)starts the timer. Non-positive durations are rejected and leave the timer untouched.
func (t *Timer) Start(duration time.Duration) error {
	if duration <= 0 {
		t.pr.Warnf("%s timer not started, invalid duration: %s", t.name, duration)

		return fmt.Errorf("%w: %s %s", models.ErrInvalidDuration, t.name, duration)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()

	t.generation++
	generation := t.generation

	t.startedAt = t.clock.Now()
	t.duration = duration
	t.active = true
	t.pending = t.clock.AfterFunc(duration, func() { t.fire(generation) })

	return nil
}

// Cancel stops a pending callback. Cancelling an inactive timer does nothing.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
}

// Active reports whether a callback is pending.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active
}

// Duration returns the duration of the current or last run.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.duration
}

// Remaining returns the time left, 0 if inactive.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return 0
	}

	remaining := t.duration - t.clock.Since(t.startedAt)
	if remaining < 0 {
		return 0
	}

	return remaining
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}

	// invalidates a callback that is already waiting for the locker
	t.generation++
	t.active = false
}

func (t *Timer) fire(generation uint64) {
	if t.locker != nil {
		t.locker.Lock()
		defer t.locker.Unlock()
	}

	t.mu.Lock()
	if generation != t.generation || !t.active {
		t.mu.Unlock()

		return
	}

	t.active = false
	t.pending = nil
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire()
	}
}
