package scheduler

import "errors"

var (
	// ErrSchedulingFailed means the timer facility refused to arm.
	ErrSchedulingFailed = errors.New("scheduler: scheduling failed")
	// ErrInvalidTimeInterval means a non-positive or unusable interval.
	ErrInvalidTimeInterval = errors.New("scheduler: invalid time interval")
	// ErrTaskDeallocated means a timer fired after the scheduler was closed.
	ErrTaskDeallocated = errors.New("scheduler: task deallocated before firing")
	ErrClosed          = errors.New("scheduler: closed")
)
