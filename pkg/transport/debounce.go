package transport

import (
	"sync"
	"time"
)

// Debouncer suppresses reachability churn from a flapping transport. Only a
// reading that survives the window is committed and reported.
type Debouncer struct {
	window time.Duration
	notify func(bool)

	mu      sync.Mutex
	current bool
	pending *bool
	timer   *time.Timer
}

// NewDebouncer creates a debouncer that calls notify with readings that
// survive the window. The initial committed state is unreachable.
func NewDebouncer(window time.Duration, notify func(bool)) *Debouncer {
	return &Debouncer{window: window, notify: notify}
}

// Observe feeds a raw reachability reading
func (d *Debouncer) Observe(reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if reachable == d.current {
		// Flapped back before the window elapsed; drop the pending change
		d.cancelPendingLocked()
		return
	}

	if d.pending != nil && *d.pending == reachable {
		// Same change already pending, let its timer run
		return
	}

	d.cancelPendingLocked()
	v := reachable
	d.pending = &v
	d.timer = time.AfterFunc(d.window, func() { d.commit(v) })
}

// Current returns the committed reachability state
func (d *Debouncer) Current() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Debouncer) commit(reachable bool) {
	d.mu.Lock()
	if d.pending == nil || *d.pending != reachable {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.timer = nil
	d.current = reachable
	notify := d.notify
	d.mu.Unlock()

	if notify != nil {
		notify(reachable)
	}
}

func (d *Debouncer) cancelPendingLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

// Stop cancels any pending transition
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelPendingLocked()
}
