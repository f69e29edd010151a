package scheduler

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wallsched/internal/eventbus"
	"wallsched/internal/storage"
	"wallsched/internal/timer"
	"wallsched/internal/timer/timertest"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type hourly struct{}

func (hourly) DefaultInterval() time.Duration { return time.Hour }

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string, any) (bool, error) { return false, errStoreDown }
func (failingStore) Set(context.Context, string, any) error         { return errStoreDown }
func (failingStore) Delete(context.Context, string) error           { return errStoreDown }
func (failingStore) Close() error                                   { return nil }

type harness struct {
	s     *Scheduler
	store storage.Store
	fac   *timertest.Manual
	clock *fakeClock
	runs  atomic.Int64
	m     *Metrics
}

func start(t *testing.T, h *harness, opts ...Option) *harness {
	t.Helper()
	if h.store == nil {
		h.store = storage.NewMemory()
	}
	if h.fac == nil {
		h.fac = &timertest.Manual{}
	}
	if h.clock == nil {
		h.clock = newClock(t0)
	}
	if h.m == nil {
		h.m = NewMetrics(prometheus.NewRegistry())
	}
	base := []Option{
		WithStore(h.store),
		WithFacility(h.fac),
		WithClock(h.clock.Now),
		WithMetrics(h.m),
	}
	h.s = New(hourly{}, func() { h.runs.Add(1) }, append(base, opts...)...)
	waitReady(t, h.s)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func waitReady(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler not ready")
	}
}

func seed(t *testing.T, st storage.Store, interval time.Duration, next time.Time) {
	t.Helper()
	ctx := context.Background()
	if interval != 0 {
		if err := st.Set(ctx, KeyIntervalSelection, interval.Seconds()); err != nil {
			t.Fatalf("seed interval: %v", err)
		}
	}
	if !next.IsZero() {
		if err := st.Set(ctx, KeyNextExecution, TimeToEpoch(next)); err != nil {
			t.Fatalf("seed next: %v", err)
		}
	}
}

func persistedNext(t *testing.T, st storage.Store) time.Time {
	t.Helper()
	var secs float64
	ok, err := st.Get(context.Background(), KeyNextExecution, &secs)
	if err != nil || !ok {
		t.Fatalf("next execution not persisted: ok=%v err=%v", ok, err)
	}
	return EpochToTime(secs)
}

func persistedInterval(t *testing.T, st storage.Store) time.Duration {
	t.Helper()
	var secs float64
	ok, err := st.Get(context.Background(), KeyIntervalSelection, &secs)
	if err != nil || !ok {
		t.Fatalf("interval not persisted: ok=%v err=%v", ok, err)
	}
	return SecondsToDuration(secs)
}

func near(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Millisecond
}

func lastArmed(t *testing.T, fac *timertest.Manual) timertest.Armed {
	t.Helper()
	a, ok := fac.Last()
	if !ok {
		t.Fatalf("nothing armed")
	}
	return a
}

func TestFreshInstallArmsDefault(t *testing.T) {
	h := start(t, &harness{})

	if got := h.s.Interval(); got != time.Hour {
		t.Fatalf("interval=%v want 1h", got)
	}
	if got := persistedNext(t, h.store); !near(got, t0.Add(time.Hour)) {
		t.Fatalf("next=%v want %v", got, t0.Add(time.Hour))
	}
	a := lastArmed(t, h.fac)
	if a.Delay != time.Hour || a.Tolerance != 6*time.Minute {
		t.Fatalf("armed delay=%v tol=%v", a.Delay, a.Tolerance)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran on fresh install")
	}
	if snap := h.s.Snapshot(); snap.State != StateArmed || snap.Generation != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if got := testutil.ToFloat64(h.m.interval); got != 3600 {
		t.Fatalf("interval gauge=%v", got)
	}
	if got := testutil.ToFloat64(h.m.next); got != TimeToEpoch(t0.Add(time.Hour)) {
		t.Fatalf("next gauge=%v", got)
	}
}

func TestFutureNextArmsRemaining(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, time.Hour, t0.Add(20*time.Minute))
	h := start(t, &harness{store: st})

	a := lastArmed(t, h.fac)
	if a.Delay != 20*time.Minute || a.Tolerance != 2*time.Minute {
		t.Fatalf("armed delay=%v tol=%v", a.Delay, a.Tolerance)
	}
	if got := persistedNext(t, st); !near(got, t0.Add(20*time.Minute)) {
		t.Fatalf("next rewritten to %v", got)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran early")
	}
}

func TestMissedExecutionCatchesUpOnce(t *testing.T) {
	for _, late := range []time.Duration{time.Second, 5000 * time.Second, 10 * 24 * time.Hour} {
		t.Run(late.String(), func(t *testing.T) {
			st := storage.NewMemory()
			seed(t, st, time.Hour, t0.Add(-late))
			h := start(t, &harness{store: st})

			if got := h.runs.Load(); got != 1 {
				t.Fatalf("runs=%d want 1", got)
			}
			if got := persistedNext(t, st); !near(got, t0.Add(time.Hour)) {
				t.Fatalf("next=%v want %v", got, t0.Add(time.Hour))
			}
			if a := lastArmed(t, h.fac); a.Delay != time.Hour {
				t.Fatalf("armed delay=%v", a.Delay)
			}
			if n := len(h.fac.All()); n != 1 {
				t.Fatalf("armed %d timers, want 1", n)
			}
			snap := h.s.Snapshot()
			if snap.CatchUps != 1 || snap.Fires != 1 || !snap.LastFire.Equal(t0) {
				t.Fatalf("snapshot=%+v", snap)
			}
			if got := testutil.ToFloat64(h.m.fires.WithLabelValues(reasonCatchUp)); got != 1 {
				t.Fatalf("catchup counter=%v", got)
			}
		})
	}
}

func TestIntervalChangeSupersedesTimer(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 2*time.Hour, t0.Add(2*time.Hour))
	h := start(t, &harness{store: st})

	if a := lastArmed(t, h.fac); a.Delay != 2*time.Hour {
		t.Fatalf("armed delay=%v", a.Delay)
	}
	h.clock.Advance(time.Minute)
	if err := h.s.OnIntervalChange(30 * time.Minute); err != nil {
		t.Fatalf("OnIntervalChange: %v", err)
	}

	all := h.fac.All()
	if len(all) != 2 || !all[0].Canceled() {
		t.Fatalf("previous timer not superseded: %+v", all)
	}
	a := all[1]
	if a.Delay != 30*time.Minute || a.Tolerance != 3*time.Minute {
		t.Fatalf("armed delay=%v tol=%v", a.Delay, a.Tolerance)
	}
	want := t0.Add(time.Minute + 30*time.Minute)
	if got := persistedNext(t, st); !near(got, want) {
		t.Fatalf("next=%v want %v", got, want)
	}
	if got := persistedInterval(t, st); got != 30*time.Minute {
		t.Fatalf("interval=%v", got)
	}

	// The superseded timer may still race in; it must not run the task.
	if res := h.fac.Fire(0); len(res) != 1 || res[0] != timer.Deferred {
		t.Fatalf("stale fire results=%v", res)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("stale timer ran the task")
	}
	if h.fac.Active() != 1 {
		t.Fatalf("active timers=%d", h.fac.Active())
	}
}

func TestIntervalChangePersistsNowPlusInterval(t *testing.T) {
	cases := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		90 * time.Minute,
		7 * 24 * time.Hour,
	}
	h := start(t, &harness{})
	for _, d := range cases {
		h.clock.Advance(17 * time.Second)
		now := h.clock.Now()
		if err := h.s.OnIntervalChange(d); err != nil {
			t.Fatalf("OnIntervalChange(%v): %v", d, err)
		}
		if got := persistedInterval(t, h.store); got != d {
			t.Fatalf("interval=%v want %v", got, d)
		}
		if got := persistedNext(t, h.store); !near(got, now.Add(d)) {
			t.Fatalf("next=%v want %v", got, now.Add(d))
		}
		if a := lastArmed(t, h.fac); a.Delay != d || a.Tolerance != timer.Tolerance(d) {
			t.Fatalf("armed delay=%v tol=%v", a.Delay, a.Tolerance)
		}
	}
}

func TestFiringRunsTaskAndReschedules(t *testing.T) {
	h := start(t, &harness{})

	h.clock.Advance(time.Hour)
	res := h.fac.FireLast()
	if len(res) != 1 || res[0] != timer.Finished {
		t.Fatalf("results=%v", res)
	}
	if h.runs.Load() != 1 {
		t.Fatalf("runs=%d", h.runs.Load())
	}
	want := t0.Add(2 * time.Hour)
	if got := persistedNext(t, h.store); !near(got, want) {
		t.Fatalf("next=%v want %v", got, want)
	}
	if a := lastArmed(t, h.fac); a.Delay != time.Hour {
		t.Fatalf("rearmed delay=%v", a.Delay)
	}
	if n := len(h.fac.All()); n != 2 {
		t.Fatalf("armed %d, want 2", n)
	}
	if got := testutil.ToFloat64(h.m.fires.WithLabelValues(reasonTimer)); got != 1 {
		t.Fatalf("timer counter=%v", got)
	}
}

func TestIntervalChosenBetweenFiringsAppliesNext(t *testing.T) {
	h := start(t, &harness{})

	if err := h.s.OnIntervalChange(24 * time.Hour); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(24 * time.Hour)
	h.fac.FireLast()
	if a := lastArmed(t, h.fac); a.Delay != 24*time.Hour {
		t.Fatalf("rearmed delay=%v", a.Delay)
	}
}

func TestInvalidIntervalRejected(t *testing.T) {
	h := start(t, &harness{})
	before := len(h.fac.All())

	for _, d := range []time.Duration{0, -time.Second} {
		err := h.s.OnIntervalChange(d)
		if !errors.Is(err, ErrInvalidTimeInterval) {
			t.Fatalf("OnIntervalChange(%v) err=%v", d, err)
		}
	}
	if got := len(h.fac.All()); got != before {
		t.Fatalf("invalid interval armed a timer")
	}
	if got := h.s.Interval(); got != time.Hour {
		t.Fatalf("interval changed to %v", got)
	}
}

func TestArmFailureSurfacesSchedulingFailed(t *testing.T) {
	h := start(t, &harness{})
	h.fac.Fail = timertest.ErrArmRefused

	err := h.s.OnIntervalChange(30 * time.Minute)
	if !errors.Is(err, ErrSchedulingFailed) {
		t.Fatalf("err=%v", err)
	}
	snap := h.s.Snapshot()
	if snap.State != StateIdle || !strings.Contains(snap.LastError, "scheduling failed") {
		t.Fatalf("snapshot=%+v", snap)
	}
	if got := persistedInterval(t, h.store); got != 30*time.Minute {
		t.Fatalf("interval not persisted before arming: %v", got)
	}
	if got := testutil.ToFloat64(h.m.failures.WithLabelValues("scheduling")); got != 1 {
		t.Fatalf("scheduling failures=%v", got)
	}
}

func TestArmFailureAtStartLeavesIdle(t *testing.T) {
	h := start(t, &harness{fac: &timertest.Manual{Fail: timertest.ErrArmRefused}})

	if snap := h.s.Snapshot(); snap.State != StateIdle {
		t.Fatalf("state=%v", snap.State)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran")
	}
}

func TestPersistenceFailureFallsBack(t *testing.T) {
	h := start(t, &harness{store: failingStore{}})

	if got := h.s.Interval(); got != time.Hour {
		t.Fatalf("interval=%v", got)
	}
	if a := lastArmed(t, h.fac); a.Delay != time.Hour {
		t.Fatalf("armed delay=%v", a.Delay)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran")
	}
	if got := testutil.ToFloat64(h.m.failures.WithLabelValues("persistence")); got < 1 {
		t.Fatalf("persistence failures=%v", got)
	}
	if err := h.s.OnIntervalChange(time.Minute); err != nil {
		t.Fatalf("persistence failure leaked: %v", err)
	}
	if a := lastArmed(t, h.fac); a.Delay != time.Minute {
		t.Fatalf("armed delay=%v", a.Delay)
	}
}

func TestUndecodableStateTreatedAsAbsent(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	_ = st.Set(ctx, KeyIntervalSelection, -5.0)
	_ = st.Set(ctx, KeyNextExecution, "not a number")
	h := start(t, &harness{store: st})

	if got := h.s.Interval(); got != time.Hour {
		t.Fatalf("interval=%v", got)
	}
	if got := persistedNext(t, st); !near(got, t0.Add(time.Hour)) {
		t.Fatalf("next=%v", got)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran")
	}
}

func TestNextBeyondIntervalIsReset(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, time.Hour, t0.Add(10*time.Hour))
	h := start(t, &harness{store: st})

	if a := lastArmed(t, h.fac); a.Delay != time.Hour {
		t.Fatalf("armed delay=%v", a.Delay)
	}
	if got := persistedNext(t, st); !near(got, t0.Add(time.Hour)) {
		t.Fatalf("next=%v", got)
	}
}

// keyFailStore fails the first n reads of key and delegates everything else.
type keyFailStore struct {
	storage.Store
	key string
	n   atomic.Int64
}

func (s *keyFailStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if key == s.key && s.n.Add(-1) >= 0 {
		return false, errStoreDown
	}
	return s.Store.Get(ctx, key, out)
}

func TestIntervalReadFailureKeepsPersistedNext(t *testing.T) {
	week := 7 * 24 * time.Hour
	mem := storage.NewMemory()
	seed(t, mem, week, t0.Add(6*24*time.Hour))
	st := &keyFailStore{Store: mem, key: KeyIntervalSelection}
	st.n.Store(1)
	h := start(t, &harness{store: st})

	if a := lastArmed(t, h.fac); a.Delay != 6*24*time.Hour {
		t.Fatalf("armed delay=%v", a.Delay)
	}
	if got := persistedNext(t, mem); !near(got, t0.Add(6*24*time.Hour)) {
		t.Fatalf("next rewritten to %v", got)
	}
	if got := persistedInterval(t, mem); got != week {
		t.Fatalf("interval rewritten to %v", got)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran")
	}
	if got := testutil.ToFloat64(h.m.failures.WithLabelValues("persistence")); got != 1 {
		t.Fatalf("persistence failures=%v", got)
	}
}

func TestCloseDefersLateFire(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	h := start(t, &harness{}, WithBus(bus))
	if err := h.s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	res := h.fac.FireLast()
	if len(res) != 1 || res[0] != timer.Deferred {
		t.Fatalf("results=%v", res)
	}
	if h.runs.Load() != 0 {
		t.Fatalf("task ran after close")
	}
	if !lastArmed(t, h.fac).Canceled() {
		t.Fatalf("timer not canceled on close")
	}
	if err := h.s.OnIntervalChange(time.Minute); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
	if st := h.s.Snapshot().State; st != StateClosed {
		t.Fatalf("state=%v", st)
	}

	found := false
	for len(events) > 0 {
		e := <-events
		if f, ok := e.Data.(Failure); ok && errors.Is(f.Err, ErrTaskDeallocated) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no deallocation failure published")
	}
}

func TestTaskPanicKeepsScheduling(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, time.Hour, t0.Add(-time.Minute))
	fac := &timertest.Manual{}
	s := New(hourly{}, func() { panic("boom") },
		WithStore(st), WithFacility(fac), WithClock(newClock(t0).Now))
	defer s.Close()
	waitReady(t, s)

	if a := lastArmed(t, fac); a.Delay != time.Hour {
		t.Fatalf("armed delay=%v", a.Delay)
	}
	if snap := s.Snapshot(); snap.Fires != 1 || snap.State != StateArmed {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestNoOverlappingInvocations(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	fac := &timertest.Manual{}
	clock := newClock(t0)
	s := New(hourly{}, func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	}, WithFacility(fac), WithClock(clock.Now))
	defer s.Close()
	waitReady(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			fac.FireLast()
		}()
		go func() {
			defer wg.Done()
			_ = s.OnIntervalChange(time.Duration(i+1) * time.Minute)
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent invocations=%d", got)
	}
	if got := fac.Active(); got != 1 {
		t.Fatalf("active timers=%d want 1", got)
	}
}

func TestRealtimeFacilityEndToEnd(t *testing.T) {
	fired := make(chan struct{}, 4)
	st := storage.NewMemory()
	task := func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}
	s := New(hourly{}, task, WithStore(st), WithFacility(&timer.Realtime{}))
	defer s.Close()
	waitReady(t, s)

	if err := s.OnIntervalChange(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("task did not fire")
	}
}

func TestEpochRoundTrip(t *testing.T) {
	in := time.Unix(1_700_000_123, 250_000_000)
	out := EpochToTime(TimeToEpoch(in))
	if !near(in, out) {
		t.Fatalf("round trip %v -> %v", in, out)
	}
	if got := SecondsToDuration(1.5); got != 1500*time.Millisecond {
		t.Fatalf("SecondsToDuration=%v", got)
	}
	if math.IsNaN(TimeToEpoch(time.Time{})) {
		t.Fatalf("NaN epoch")
	}
}
