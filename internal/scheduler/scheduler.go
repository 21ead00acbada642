// Package scheduler provides a small cancellable-timer abstraction used by
// every component that owns wall-clock-driven state transitions
// (VersionWatcher's per-source polling, HouseActivity's per-indicator
// expiry/off-delay timers and broadcast coalescing; RolloutController's
// progression tick runs on robfig/cron instead). It replaces
// the closure-based timer cancellation the source used with explicit
// handles that are safe to cancel twice and guaranteed to release their
// underlying timer on every exit path.
package scheduler

import (
	"sync"
	"time"
)

// Handle represents one scheduled timer. Cancel is idempotent: calling it
// more than once, or after the timer has already fired, is a no-op.
type Handle struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Cancel stops the underlying timer so a callback that has not started
// yet never runs; a callback that is already running is not interrupted.
// Safe to call from multiple goroutines and more than once.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if !h.timer.Stop() {
		select {
		case <-h.timer.C:
		default:
		}
	}
}

// Scheduler schedules one-shot and periodic callbacks and hands back
// cancellable Handles. The zero value is ready to use.
type Scheduler struct{}

// New returns a ready-to-use Scheduler.
func New() *Scheduler { return &Scheduler{} }

// After runs fn once after d elapses, unless the returned Handle is
// cancelled first.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = time.AfterFunc(d, fn)
	return h
}

// Every runs fn repeatedly every d until the returned Handle is cancelled.
// Unlike time.Ticker, each tick reschedules itself only after fn returns,
// so runs never overlap and the gap between two runs is d plus the time
// fn took.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	var tick func()
	tick = func() {
		fn()
		h.mu.Lock()
		if !h.cancelled {
			h.timer = time.AfterFunc(d, tick)
		}
		h.mu.Unlock()
	}
	h.timer = time.AfterFunc(d, tick)
	return h
}
