package scheduler

import (
	"encoding/json"
	"time"
)

// State is the scheduler's position in its arm/fire loop.
type State int

const (
	// StateIdle: no timer armed (not yet initialized, or arming failed).
	StateIdle State = iota
	StateLoading
	StateArmed
	StateFiring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	State      State         `json:"state"`
	Interval   time.Duration `json:"interval"`
	Next       time.Time     `json:"next"`
	Delay      time.Duration `json:"delay"`
	Tolerance  time.Duration `json:"tolerance"`
	ArmedAt    time.Time     `json:"armed_at"`
	Generation uint64        `json:"generation"`
	Fires      uint64        `json:"fires"`
	CatchUps   uint64        `json:"catch_ups"`
	LastFire   time.Time     `json:"last_fire"`
	LastError  string        `json:"last_error,omitempty"`
}

// Event types published on the bus.
const (
	EventArmed           = "scheduler.armed"
	EventFired           = "scheduler.fired"
	EventIntervalChanged = "scheduler.interval_changed"
	EventFailure         = "scheduler.failure"
)

// Failure is the payload of EventFailure.
type Failure struct {
	Op  string
	Err error
}
