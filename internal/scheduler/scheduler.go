// Package scheduler runs a task on a user-selected cadence and keeps the
// cadence across restarts, sleep/wake and interval changes.
//
// # Model
//
// Two values are persisted: the selected interval and the absolute instant of
// the next execution. On start the scheduler compares that instant with the
// clock: if it already passed, the task runs once immediately (catch-up) and
// the next instant is reset to now + interval; otherwise a single-shot timer
// is armed for the remaining time.
//
// Every firing re-persists now + interval and arms a fresh single-shot timer,
// so an interval chosen between firings is honored at the next one.
//
// # Concurrency
//
// initialize, OnIntervalChange, the firing handler and Close are serialized
// on one mutex. The task body runs inside that section: invocations never
// overlap and the next timer is only computed after the task returns. Each
// arm bumps a generation counter; a firing carrying an older generation is a
// no-op.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"wallsched/internal/eventbus"
	"wallsched/internal/storage"
	"wallsched/internal/timer"
	logx "wallsched/pkg/logx"
)

// Policy supplies the default interval used until one is persisted.
type Policy interface {
	DefaultInterval() time.Duration
}

const (
	fallbackInterval    = time.Hour
	defaultStoreTimeout = 5 * time.Second

	reasonTimer   = "timer"
	reasonCatchUp = "catchup"
)

type Option func(*Scheduler)

func WithStore(st storage.Store) Option { return func(s *Scheduler) { s.store = st } }

func WithFacility(f timer.Facility) Option { return func(s *Scheduler) { s.facility = f } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithMetrics(m *Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithContext sets the parent of the context used for store calls.
func WithContext(ctx context.Context) Option { return func(s *Scheduler) { s.parent = ctx } }

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

type Scheduler struct {
	task     func()
	def      time.Duration
	store    storage.Store
	facility timer.Facility
	log      logx.Logger
	warn     logx.Logger
	now      func() time.Time
	metrics  *Metrics
	bus      eventbus.Bus

	parent       context.Context
	ctx          context.Context
	cancel       context.CancelFunc
	storeTimeout time.Duration

	ready  chan struct{}
	closed atomic.Bool

	// opMu serializes every operation that reads or writes the fields below.
	opMu     sync.Mutex
	interval time.Duration
	handle   timer.Handle
	gen      uint64

	// mu guards snap only, so Snapshot never waits on a running task.
	mu   sync.Mutex
	snap Snapshot
}

// New creates the scheduler and starts loading persisted state in the
// background. It never blocks.
func New(policy Policy, task func(), opts ...Option) *Scheduler {
	s := &Scheduler{
		task:         task,
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.warn = s.log.Limited(time.Minute, 3)
	if s.task == nil {
		s.task = func() {}
	}
	if s.facility == nil {
		s.facility = &timer.Realtime{}
	}
	if s.store == nil {
		s.log.Warn("no durable store configured; schedule will not survive restarts")
		s.store = storage.NewMemory()
	}
	if s.parent == nil {
		s.parent = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(s.parent)

	s.def = fallbackInterval
	if policy != nil {
		if d := policy.DefaultInterval(); d > 0 {
			s.def = d
		}
	}
	s.interval = s.def
	s.snap = Snapshot{State: StateIdle, Interval: s.def}

	go s.initialize()
	return s
}

// Ready is closed once the persisted state has been loaded and the first
// scheduling decision made.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Interval returns the selection currently in effect.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Interval
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Scheduler) initialize() {
	defer close(s.ready)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed.Load() {
		return
	}

	s.setState(StateLoading)
	var known bool
	s.interval, known = s.loadInterval(s.def)
	s.updateSnap(func(sn *Snapshot) { sn.Interval = s.interval })
	s.metrics.setInterval(s.interval)
	s.log.Debug("state loaded", logx.Duration("interval", s.interval))

	s.decideLocked(known)
}

// decideLocked arms against the persisted next execution, catching up first
// if that instant already passed. known reports whether s.interval reflects
// the stored selection; a fallback interval cannot bound the delay.
func (s *Scheduler) decideLocked(known bool) {
	now := s.now()
	next, ok := s.loadNext()
	if !ok {
		next = now.Add(s.interval)
		s.saveNext(next)
	}

	delay := next.Sub(now)
	switch {
	case delay <= 0:
		s.log.Info("next execution passed while not running; catching up",
			logx.Time("was_due", next),
			logx.Duration("late_by", -delay),
		)
		s.runTaskLocked(reasonCatchUp)
		_ = s.rescheduleLocked()
	case known && delay > s.interval:
		// Only possible if the wall clock moved backwards since it was written.
		s.log.Warn("next execution is further away than one interval; resetting",
			logx.Time("next", next),
			logx.Duration("interval", s.interval),
		)
		_ = s.rescheduleLocked()
	default:
		if delay > s.interval {
			s.log.Warn("interval unknown; keeping persisted next execution",
				logx.Time("next", next),
				logx.Float64("next_epoch", TimeToEpoch(next)),
			)
		}
		s.updateSnap(func(sn *Snapshot) { sn.Next = next })
		_ = s.armLocked(delay, next)
	}
}

// OnIntervalChange persists a newly selected interval and re-arms for exactly
// d from now, replacing any armed timer. Persistence failures are logged and
// do not fail the call; an arming failure is returned wrapping
// ErrSchedulingFailed.
func (s *Scheduler) OnIntervalChange(d time.Duration) error {
	if d <= 0 {
		err := fmt.Errorf("%w: %s", ErrInvalidTimeInterval, d)
		s.recordFailure("interval change", err)
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev := s.interval
	s.saveInterval(d)
	s.interval = d
	s.updateSnap(func(sn *Snapshot) { sn.Interval = d })
	s.metrics.setInterval(d)
	s.log.Info("interval changed", logx.Duration("from", prev), logx.Duration("to", d))
	s.publish(EventIntervalChanged, d)

	return s.rescheduleLocked()
}

// rescheduleLocked persists now + interval and arms for the full interval.
func (s *Scheduler) rescheduleLocked() error {
	next := s.now().Add(s.interval)
	s.saveNext(next)
	s.updateSnap(func(sn *Snapshot) { sn.Next = next })
	return s.armLocked(s.interval, next)
}

func (s *Scheduler) armLocked(delay time.Duration, next time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.handle != nil {
		s.handle.Cancel()
		s.handle = nil
	}
	s.gen++
	gen := s.gen
	tol := timer.Tolerance(delay)

	h, err := s.facility.Arm(delay, tol, s.onFire(gen))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSchedulingFailed, err)
		s.log.Error("arming timer failed", logx.Duration("delay", delay), logx.Err(err))
		s.metrics.failure("scheduling")
		s.recordFailure("arm", err)
		s.setState(StateIdle)
		return err
	}
	s.handle = h

	armedAt := s.now()
	s.updateSnap(func(sn *Snapshot) {
		sn.State = StateArmed
		sn.Delay = delay
		sn.Tolerance = tol
		sn.ArmedAt = armedAt
		sn.Generation = gen
	})
	s.metrics.armed(next)
	s.log.Info("timer armed",
		logx.Duration("delay", delay),
		logx.Duration("tolerance", tol),
		logx.Time("next", next),
		logx.Int64("next_unix", next.Unix()),
		logx.Uint64("gen", gen),
	)
	s.publish(EventArmed, next)
	return nil
}

func (s *Scheduler) onFire(gen uint64) timer.FireFunc {
	return func(done func(timer.Result)) {
		if s.closed.Load() {
			s.deallocated(gen, done)
			return
		}

		s.opMu.Lock()
		defer s.opMu.Unlock()

		if s.closed.Load() {
			s.deallocated(gen, done)
			return
		}
		if gen != s.gen {
			s.log.Debug("stale timer fired; ignoring", logx.Uint64("gen", gen), logx.Uint64("current", s.gen))
			done(timer.Deferred)
			return
		}
		s.handle = nil

		s.runTaskLocked(reasonTimer)
		done(timer.Finished)

		_ = s.rescheduleLocked()
	}
}

func (s *Scheduler) deallocated(gen uint64, done func(timer.Result)) {
	s.log.Warn("timer fired after scheduler closed", logx.Uint64("gen", gen), logx.Err(ErrTaskDeallocated))
	s.metrics.failure("deallocated")
	s.recordFailure("fire", ErrTaskDeallocated)
	done(timer.Deferred)
}

func (s *Scheduler) runTaskLocked(reason string) {
	s.setState(StateFiring)
	started := s.now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.task()
	}()

	took := s.now().Sub(started)
	s.updateSnap(func(sn *Snapshot) {
		sn.Fires++
		if reason == reasonCatchUp {
			sn.CatchUps++
		}
		sn.LastFire = started
	})
	s.metrics.fired(reason)
	s.log.Info("task ran", logx.String("reason", reason), logx.Duration("took", took))
	s.publish(EventFired, reason)
}

// Close stops the scheduler. A timer that fires afterwards reports
// timer.Deferred and runs nothing. Close waits for a running task to return.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.opMu.Lock()
	if s.handle != nil {
		s.handle.Cancel()
		s.handle = nil
	}
	s.gen++
	s.opMu.Unlock()

	s.cancel()
	s.setState(StateClosed)
	return nil
}

func (s *Scheduler) setState(st State) {
	s.updateSnap(func(sn *Snapshot) { sn.State = st })
}

func (s *Scheduler) updateSnap(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Scheduler) recordFailure(op string, err error) {
	s.updateSnap(func(sn *Snapshot) { sn.LastError = op + ": " + err.Error() })
	s.publish(EventFailure, Failure{Op: op, Err: err})
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
