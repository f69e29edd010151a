// Package timer provides the single-shot, best-effort timer the scheduler arms
// against its next execution instant.
package timer

import (
	"errors"
	"sync"
	"time"
)

// Result is what a fire callback reports back to the facility.
type Result int

const (
	// Finished means the work for this firing ran to completion.
	Finished Result = iota + 1
	// Deferred means the firing was not acted upon (owner gone or superseded).
	Deferred
)

func (r Result) String() string {
	switch r {
	case Finished:
		return "finished"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// MaxTolerance caps the slack granted to any armed timer.
const MaxTolerance = 30 * time.Minute

var ErrInvalidDelay = errors.New("timer: delay must be positive")

// Tolerance returns the slack window for a timer armed with delay:
// 10% of the wait, capped at MaxTolerance, never negative.
func Tolerance(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	t := delay / 10
	if t > MaxTolerance {
		t = MaxTolerance
	}
	return t
}

// FireFunc is invoked once when an armed timer elapses. done must be called
// exactly once with the outcome.
type FireFunc func(done func(Result))

// Handle owns one armed timer. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Facility arms non-repeating timers.
type Facility interface {
	Arm(delay, tolerance time.Duration, fire FireFunc) (Handle, error)
}

// Realtime arms timers on the process clock.
//
// Go timers run on the monotonic clock, which does not advance while the
// machine is suspended. Realtime therefore also tracks the wall-clock
// deadline and re-checks it at most every Poll (or the timer's tolerance,
// whichever is smaller), so a firing that became due during sleep happens
// shortly after wake instead of being pushed back by the sleep duration.
type Realtime struct {
	// Poll bounds how long a wait can run before the wall clock is
	// re-checked. Zero means one minute.
	Poll time.Duration
	// Now is injectable for tests.
	Now func() time.Time
	// OnResult, if set, observes every completion.
	OnResult func(Result)
}

func (r *Realtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Realtime) poll(tolerance time.Duration) time.Duration {
	p := r.Poll
	if p <= 0 {
		p = time.Minute
	}
	if tolerance > 0 && tolerance < p {
		p = tolerance
	}
	if p < time.Second {
		p = time.Second
	}
	return p
}

func (r *Realtime) Arm(delay, tolerance time.Duration, fire FireFunc) (Handle, error) {
	if delay <= 0 {
		return nil, ErrInvalidDelay
	}
	if fire == nil {
		return nil, errors.New("timer: nil fire func")
	}
	// Round(0) strips the monotonic reading so comparisons use the wall clock.
	deadline := r.now().Add(delay).Round(0)
	h := &realtimeHandle{stop: make(chan struct{})}
	go r.wait(h, deadline, r.poll(tolerance), fire)
	return h, nil
}

func (r *Realtime) wait(h *realtimeHandle, deadline time.Time, poll time.Duration, fire FireFunc) {
	for {
		remaining := deadline.Sub(r.now().Round(0))
		if remaining <= 0 {
			break
		}
		step := remaining
		if step > poll {
			step = poll
		}
		t := time.NewTimer(step)
		select {
		case <-h.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}

	select {
	case <-h.stop:
		return
	default:
	}

	var once sync.Once
	fire(func(res Result) {
		once.Do(func() {
			if r.OnResult != nil {
				r.OnResult(res)
			}
		})
	})
}

type realtimeHandle struct {
	once sync.Once
	stop chan struct{}
}

func (h *realtimeHandle) Cancel() {
	h.once.Do(func() { close(h.stop) })
}
