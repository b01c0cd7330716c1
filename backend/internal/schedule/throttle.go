package schedule

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler guarantees a minimum interval between invocations of fn no matter how
// often Call is made. Calls made while an invocation is scheduled coalesce into it.
// With leading set, a call that finds the interval elapsed runs fn immediately.
type Throttler struct {
	clock    Clock
	interval time.Duration
	leading  bool
	fn       func()
	limiter  *rate.Limiter

	mu        sync.Mutex
	scheduled bool
	epoch     uint64
	timer     Timer
}

// NewThrottler creates a throttler running fn at most once per interval
func NewThrottler(clock Clock, interval time.Duration, leading bool, fn func()) *Throttler {
	if clock == nil {
		clock = RealClock{}
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler{
		clock:    clock,
		interval: interval,
		leading:  leading,
		fn:       fn,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Call requests an invocation
func (t *Throttler) Call() {
	t.mu.Lock()
	if t.scheduled {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	if t.leading && t.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		t.fn()
		return
	}

	delay := t.limiter.ReserveN(now, 1).DelayFrom(now)
	if !t.leading && delay < t.interval {
		delay = t.interval
	}

	t.scheduled = true
	epoch := t.epoch
	t.timer = t.clock.AfterFunc(delay, func() { t.fire(epoch) })
	t.mu.Unlock()
}

// Flush runs a scheduled invocation now instead of waiting for the interval
func (t *Throttler) Flush() {
	t.mu.Lock()
	if !t.scheduled {
		t.mu.Unlock()
		return
	}
	t.unscheduleLocked()
	t.mu.Unlock()

	t.fn()
}

// Cancel drops a scheduled invocation
func (t *Throttler) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduled {
		t.unscheduleLocked()
	}
}

// Scheduled reports whether a trailing invocation is waiting
func (t *Throttler) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled
}

func (t *Throttler) fire(epoch uint64) {
	t.mu.Lock()
	if !t.scheduled || epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	t.unscheduleLocked()
	t.mu.Unlock()

	t.fn()
}

func (t *Throttler) unscheduleLocked() {
	t.scheduled = false
	t.epoch++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
