package fetch

import (
	"errors"
	"fmt"
	"time"
)

// UnitState is a unit's position in the transfer state machine.
type UnitState int

const (
	StatePending UnitState = iota
	StateCheckingFreshness
	StateDownloading
	StatePromoting
	StateSkipped
	StateDone
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCheckingFreshness:
		return "checking_freshness"
	case StateDownloading:
		return "downloading"
	case StatePromoting:
		return "promoting"
	case StateSkipped:
		return "skipped"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the unit's lifecycle.
func (s UnitState) Terminal() bool {
	return s == StateSkipped || s == StateDone || s == StateFailed
}

// UnitResult is the terminal outcome of one unit.
type UnitResult struct {
	Unit     Unit
	State    UnitState
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Result aggregates the outcome of every unit in one invocation.
type Result struct {
	Units []UnitResult
}

// OK reports whether every unit ended in Done or Skipped.
func (r *Result) OK() bool {
	for _, u := range r.Units {
		if !u.State.Terminal() || u.State == StateFailed {
			return false
		}
	}

	return true
}

// Failed returns the units that ended in Failed.
func (r *Result) Failed() []UnitResult {
	var failed []UnitResult

	for _, u := range r.Units {
		if u.State == StateFailed {
			failed = append(failed, u)
		}
	}

	return failed
}

// Err returns a joined error naming every failed unit, or nil if the
// invocation succeeded.
func (r *Result) Err() error {
	var errs []error

	for _, u := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s -> %s: %w", u.Unit.URL, u.Unit.Dest, u.Err))
	}

	return errors.Join(errs...)
}
