// Package recovery holds the pieces of hang recovery that do not touch the
// device: the state machine, the snapshot of a hung ring and the rules that
// split it into commands worth replaying.
package recovery

import (
	"errors"
	"fmt"
)

// ErrRetry is returned by a replay step whose good commands hung again. The
// whole sequence then starts over without the bad commands.
var ErrRetry = errors.New("recovery: replay hung, retry")

// ErrTooManyAttempts is returned when the retry policy gives up.
var ErrTooManyAttempts = errors.New("recovery: too many attempts")

// State is a step of a recovery.
type State int

// Recovery states, in the order a successful recovery visits them.
const (
	Idle State = iota
	Detecting
	Collecting
	Extracting
	Restarting
	Replaying
	Reconciling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Detecting:
		return "Detecting"
	case Collecting:
		return "Collecting"
	case Extracting:
		return "Extracting"
	case Restarting:
		return "Restarting"
	case Replaying:
		return "Replaying"
	case Reconciling:
		return "Reconciling"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no step follows s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Next returns the state that follows s once its step finished with result.
// A replay that ends with ErrRetry goes back to Collecting. Any other error
// fails the recovery.
func Next(s State, result error) State {
	if s.Terminal() {
		return s
	}

	if result != nil {
		if s == Replaying && errors.Is(result, ErrRetry) {
			return Collecting
		}

		return Failed
	}

	switch s {
	case Idle:
		return Detecting
	case Detecting:
		return Collecting
	case Collecting:
		return Extracting
	case Extracting:
		return Restarting
	case Restarting:
		return Replaying
	case Replaying:
		return Reconciling
	case Reconciling:
		return Done
	}

	return Failed
}

// Policy bounds the number of attempts of a recovery.
type Policy struct {
	// MaxAttempts is the number of times Collecting may run. Zero means no
	// limit.
	MaxAttempts int
}

// Allow reports whether attempt number n, counting from 1, may run.
func (p Policy) Allow(n int) bool {
	return p.MaxAttempts <= 0 || n <= p.MaxAttempts
}
