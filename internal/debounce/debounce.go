// Package debounce coalesces bursts of triggers into one call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer calls fn once the configured quiet period has passed since the
// last Trigger. fn never runs concurrently with itself.
type Debouncer struct {
	wait time.Duration
	fn   func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	run sync.Mutex
}

// New creates a Debouncer. A zero wait runs fn on the next Flush only.
func New(wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{wait: wait, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.wait <= 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) take() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.pending
	d.pending = false
	return was
}

func (d *Debouncer) fire() {
	d.run.Lock()
	defer d.run.Unlock()
	if d.take() {
		d.fn()
	}
}

// Flush runs fn now if a call is pending and waits for it to finish.
func (d *Debouncer) Flush() {
	d.fire()
}

// Cancel drops a pending call without running it and reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	return d.take()
}

// Stop cancels any pending call. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.take()
}
