// Package interval defines the closed set of rotation cadences a user can pick.
package interval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval is one selectable rotation cadence.
type Interval int

const (
	Hourly Interval = iota + 1
	Daily
	Weekly
)

// Default is the cadence used before the user picks one.
const Default = Hourly

var ErrUnknown = errors.New("interval: unrecognized")

var all = []Interval{Hourly, Daily, Weekly}

// All returns the selectable intervals in display order.
func All() []Interval { return append([]Interval(nil), all...) }

func (i Interval) Duration() time.Duration {
	switch i {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Name is the human-facing label.
func (i Interval) Name() string {
	switch i {
	case Hourly:
		return "Every Hour"
	case Daily:
		return "Every Day"
	case Weekly:
		return "Every Week"
	default:
		return "Unknown"
	}
}

func (i Interval) String() string {
	switch i {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return fmt.Sprintf("interval(%d)", int(i))
	}
}

func (i Interval) Valid() bool { return i.Duration() > 0 }

// FromDuration maps a duration back to its variant.
func FromDuration(d time.Duration) (Interval, error) {
	for _, i := range all {
		if i.Duration() == d {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknown, d)
}

var everyParser = cron.NewParser(cron.Descriptor)

// Parse accepts:
//   - names: "hourly", "daily", "weekly" (and "@hourly" etc.)
//   - Go durations equal to a variant: "1h", "24h", "168h"
//   - cron interval descriptors: "@every 24h"
//
// Calendar cron expressions are rejected: rotation is relative to the last
// firing, not aligned to the wall clock.
func Parse(raw string) (Interval, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrUnknown)
	}
	switch strings.TrimPrefix(s, "@") {
	case "hourly", "hour":
		return Hourly, nil
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	}

	if strings.HasPrefix(s, "@every") {
		sched, err := everyParser.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrUnknown, raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, fmt.Errorf("%w: %q is not a fixed interval", ErrUnknown, raw)
		}
		return FromDuration(cd.Delay)
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return 0, fmt.Errorf("%w: %q: calendar schedules are not supported", ErrUnknown, raw)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknown, raw)
	}
	return FromDuration(d)
}

// Policy supplies the default cadence to the scheduler. The zero value uses
// Default.
type Policy struct {
	Default Interval
}

func (p Policy) DefaultInterval() time.Duration {
	if p.Default.Valid() {
		return p.Default.Duration()
	}
	return Default.Duration()
}
