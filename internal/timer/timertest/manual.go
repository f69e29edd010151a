// Package timertest provides a manually driven timer.Facility for tests.
package timertest

import (
	"errors"
	"sync"
	"time"

	"wallsched/internal/timer"
)

// Armed records one Arm call.
type Armed struct {
	Delay     time.Duration
	Tolerance time.Duration

	fire     timer.FireFunc
	canceled bool
	fired    bool
	results  []timer.Result
}

// Manual records armed timers and fires them only when told to.
type Manual struct {
	mu    sync.Mutex
	armed []*Armed
	// Fail makes the next Arm calls return an error.
	Fail error
}

var ErrArmRefused = errors.New("timertest: arm refused")

func (m *Manual) Arm(delay, tolerance time.Duration, fire timer.FireFunc) (timer.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	if delay <= 0 {
		return nil, timer.ErrInvalidDelay
	}
	a := &Armed{Delay: delay, Tolerance: tolerance, fire: fire}
	m.armed = append(m.armed, a)
	return &handle{m: m, a: a}, nil
}

type handle struct {
	m *Manual
	a *Armed
}

func (h *handle) Cancel() {
	h.m.mu.Lock()
	h.a.canceled = true
	h.m.mu.Unlock()
}

// All returns every Arm call so far, oldest first.
func (m *Manual) All() []Armed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Armed, 0, len(m.armed))
	for _, a := range m.armed {
		out = append(out, *a)
	}
	return out
}

// Active returns how many armed timers are neither canceled nor fired.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.armed {
		if !a.canceled && !a.fired {
			n++
		}
	}
	return n
}

// Last returns the most recent Arm call.
func (m *Manual) Last() (Armed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.armed) == 0 {
		return Armed{}, false
	}
	return *m.armed[len(m.armed)-1], true
}

// Fire invokes the i-th armed timer's callback synchronously, regardless of
// whether it was canceled (a real facility may race a cancel), and returns
// the reported results.
func (m *Manual) Fire(i int) []timer.Result {
	m.mu.Lock()
	if i < 0 || i >= len(m.armed) {
		m.mu.Unlock()
		return nil
	}
	a := m.armed[i]
	a.fired = true
	fire := a.fire
	m.mu.Unlock()

	fire(func(r timer.Result) {
		m.mu.Lock()
		a.results = append(a.results, r)
		m.mu.Unlock()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]timer.Result(nil), a.results...)
}

// FireLast fires the most recently armed timer.
func (m *Manual) FireLast() []timer.Result {
	m.mu.Lock()
	n := len(m.armed)
	m.mu.Unlock()
	return m.Fire(n - 1)
}

// Canceled reports whether the i-th armed timer was canceled.
func (a Armed) Canceled() bool { return a.canceled }
