package runner

import (
	"sync"
	"time"
)

// Scheduler abstracts one-shot delayed callbacks so the Runner's pause/resume
// logic can be expressed as "remaining duration captured from the scheduler"
// rather than wall-clock arithmetic scattered through handler code (spec.md
// section 9, "Timer model"). Tests substitute a manual Scheduler that never
// touches real time; production wiring uses NewRealScheduler.
type Scheduler interface {
	// ScheduleOnce arranges for fn to run after d elapses, returning a Handle
	// that can be cancelled or queried for its remaining duration.
	ScheduleOnce(d time.Duration, fn func()) Handle
}

// Handle controls one scheduled callback.
type Handle interface {
	// Cancel stops fn from firing if it hasn't already, and returns how much
	// of the original duration was left. Safe to call more than once; later
	// calls return 0.
	Cancel() time.Duration
	// Remaining reports the duration left before fn fires, without
	// cancelling it.
	Remaining() time.Duration
}

// realScheduler schedules callbacks with time.AfterFunc.
type realScheduler struct{}

// NewRealScheduler returns the production Scheduler.
func NewRealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) ScheduleOnce(d time.Duration, fn func()) Handle {
	h := &realHandle{deadline: time.Now().Add(d)}
	h.timer = time.AfterFunc(d, fn)
	return h
}

type realHandle struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	done     bool
}

func (h *realHandle) Cancel() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return 0
	}
	h.done = true
	h.timer.Stop()
	return remaining(h.deadline)
}

func (h *realHandle) Remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return 0
	}
	return remaining(h.deadline)
}

func remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
