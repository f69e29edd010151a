package status

import (
	"time"

	"wallsched/internal/interval"
	"wallsched/internal/scheduler"
	"wallsched/internal/task"
)

// View is the JSON shape of /status, also printed by the CLI.
type View struct {
	State        string     `json:"state"`
	Interval     string     `json:"interval"`
	IntervalSecs float64    `json:"interval_seconds"`
	Next         *time.Time `json:"next,omitempty"`
	NextIn       string     `json:"next_in,omitempty"`
	Tolerance    string     `json:"tolerance,omitempty"`
	Generation   uint64     `json:"generation"`
	Fires        uint64     `json:"fires"`
	CatchUps     uint64     `json:"catch_ups"`
	LastFire     *time.Time `json:"last_fire,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Runs         []task.Run `json:"runs,omitempty"`
}

// IntervalLabel names d when it matches a selectable interval.
func IntervalLabel(d time.Duration) string {
	if i, err := interval.FromDuration(d); err == nil {
		return i.String()
	}
	return d.String()
}

func NewView(s scheduler.Snapshot, now time.Time) View {
	v := View{
		State:        s.State.String(),
		Interval:     IntervalLabel(s.Interval),
		IntervalSecs: s.Interval.Seconds(),
		Generation:   s.Generation,
		Fires:        s.Fires,
		CatchUps:     s.CatchUps,
		LastError:    s.LastError,
	}
	if !s.Next.IsZero() {
		next := s.Next
		v.Next = &next
		v.NextIn = next.Sub(now).Round(time.Second).String()
	}
	if s.State == scheduler.StateArmed {
		v.Tolerance = s.Tolerance.String()
	}
	if !s.LastFire.IsZero() {
		lf := s.LastFire
		v.LastFire = &lf
	}
	return v
}
