package rpcmanager

import (
	"sync"
	"time"
)

// DefaultDebounceWindow matches spec §4.D step 6 ("leading-and-trailing
// debounce (window ~150 ms)").
const DefaultDebounceWindow = 150 * time.Millisecond

// Debouncer implements leading+trailing debounce with a single window
// timer (spec §9 "UI-dirty debounce"): the first Notify in a quiet
// period fires immediately; subsequent calls within the window coalesce;
// a trailing call fires once more at the end of a burst.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu         sync.Mutex
	inWindow   bool
	pending    bool
	windowTimer *time.Timer
}

// NewDebouncer constructs a Debouncer that invokes fn on leading and
// trailing edges. window<=0 uses DefaultDebounceWindow.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{window: window, fn: fn}
}

// Notify signals an event. See type doc for the leading/trailing contract.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inWindow {
		d.inWindow = true
		d.pending = false
		d.fn()
		d.windowTimer = time.AfterFunc(d.window, d.onWindowExpire)
		return
	}
	d.pending = true
}

func (d *Debouncer) onWindowExpire() {
	d.mu.Lock()
	fireTrailing := d.pending
	d.pending = false
	d.inWindow = false
	d.mu.Unlock()

	if fireTrailing {
		d.Notify()
	}
}

// Stop cancels any pending trailing timer, for clean shutdown in tests.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.windowTimer != nil {
		d.windowTimer.Stop()
	}
}
