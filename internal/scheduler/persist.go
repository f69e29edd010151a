package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	logx "wallsched/pkg/logx"
)

// Persisted keys.
const (
	KeyIntervalSelection = "timeIntervalSelection"
	KeyNextExecution     = "executionTimeIntervalSince1970"
)

func (s *Scheduler) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.storeTimeout)
}

// loadInterval returns the persisted selection, or def when absent or
// unusable. known is false when the store could not tell which interval is
// in effect (read error or unusable value).
func (s *Scheduler) loadInterval(def time.Duration) (d time.Duration, known bool) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	var secs float64
	ok, err := s.store.Get(ctx, KeyIntervalSelection, &secs)
	if err != nil {
		s.persistFailed("load interval", err)
		return def, false
	}
	if !ok {
		return def, true
	}
	d = SecondsToDuration(secs)
	if d <= 0 {
		s.persistFailed("load interval", fmt.Errorf("%w: %v seconds", ErrInvalidTimeInterval, secs))
		return def, false
	}
	return d, true
}

func (s *Scheduler) saveInterval(d time.Duration) {
	ctx, cancel := s.storeCtx()
	defer cancel()
	if err := s.store.Set(ctx, KeyIntervalSelection, d.Seconds()); err != nil {
		s.persistFailed("save interval", err)
	}
}

// loadNext returns the persisted next execution time. ok is false when the
// value is absent or undecodable.
func (s *Scheduler) loadNext() (time.Time, bool) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	var secs float64
	ok, err := s.store.Get(ctx, KeyNextExecution, &secs)
	if err != nil {
		s.persistFailed("load next execution", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	return EpochToTime(secs), true
}

func (s *Scheduler) saveNext(t time.Time) {
	ctx, cancel := s.storeCtx()
	defer cancel()
	if err := s.store.Set(ctx, KeyNextExecution, TimeToEpoch(t)); err != nil {
		s.persistFailed("save next execution", err)
	}
}

func (s *Scheduler) persistFailed(op string, err error) {
	s.warn.Warn("persistence failed; continuing with fallback", logx.String("op", op), logx.Err(err))
	s.metrics.failure("persistence")
	s.recordFailure(op, err)
}

// TimeToEpoch converts t to fractional seconds since the Unix epoch.
func TimeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// EpochToTime is the inverse of TimeToEpoch.
func EpochToTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

func SecondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
