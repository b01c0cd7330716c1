package schedule

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of calls into one trailing invocation after a quiet
// window. With a positive maxWait, a continuously active caller still gets an
// invocation at least every maxWait.
type Debouncer struct {
	clock   Clock
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu       sync.Mutex
	pending  bool
	epoch    uint64 // bumped whenever a pending invocation is consumed or cancelled
	calls    uint64
	timer    Timer
	maxTimer Timer
}

// NewDebouncer creates a debouncer running fn on clock. maxWait <= 0 disables the ceiling.
func NewDebouncer(clock Clock, wait, maxWait time.Duration, fn func()) *Debouncer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Debouncer{
		clock:   clock,
		wait:    wait,
		maxWait: maxWait,
		fn:      fn,
	}
}

// Call records activity and (re)starts the quiet window
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = true
	d.calls++
	epoch, calls := d.epoch, d.calls

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fire(epoch, calls, false) })

	if d.maxWait > 0 && d.maxTimer == nil {
		d.maxTimer = d.clock.AfterFunc(d.maxWait, func() { d.fire(epoch, 0, true) })
	}
}

// Flush runs a pending invocation immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.consumeLocked()
	d.mu.Unlock()

	d.fn()
}

// Cancel drops a pending invocation without running it
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending {
		d.consumeLocked()
	}
}

// Pending reports whether an invocation is waiting
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(epoch, calls uint64, fromMax bool) {
	d.mu.Lock()
	if !d.pending || epoch != d.epoch || (!fromMax && calls != d.calls) {
		d.mu.Unlock()
		return
	}
	d.consumeLocked()
	d.mu.Unlock()

	d.fn()
}

func (d *Debouncer) consumeLocked() {
	d.pending = false
	d.epoch++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
}
