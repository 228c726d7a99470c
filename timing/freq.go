// Package timing provides the cycle-based event engine that drives the
// simulated command processor, and the clocks that polling loops sleep on.
package timing

import (
	"errors"
	"log"
	"math"
	"time"
)

// VTimeInCycle is a point on the simulated timeline, counted in cycles of the
// engine frequency.
type VTimeInCycle uint64

// Freq is a frequency in Hz.
type Freq float64

// Frequency units.
const (
	Hz  Freq = 1
	KHz Freq = 1e3
	MHz Freq = 1e6
	GHz Freq = 1e9
)

// ErrZeroFrequency is returned when a frequency of zero is used to convert
// between cycles and durations.
var ErrZeroFrequency = errors.New("timing: frequency cannot be zero")

// Period returns the duration of one cycle.
func (f Freq) Period() time.Duration {
	if f == 0 {
		log.Panic(ErrZeroFrequency)
	}

	return time.Duration(float64(time.Second) / float64(f))
}

// Cycles converts a duration to a number of cycles, rounding up so that a
// non-zero duration always advances the timeline.
func (f Freq) Cycles(d time.Duration) VTimeInCycle {
	if f == 0 {
		log.Panic(ErrZeroFrequency)
	}

	if d <= 0 {
		return 0
	}

	return VTimeInCycle(math.Ceil(float64(d) * float64(f) / float64(time.Second)))
}

// Duration converts a cycle count back to wall time.
func (f Freq) Duration(c VTimeInCycle) time.Duration {
	if f == 0 {
		log.Panic(ErrZeroFrequency)
	}

	return time.Duration(math.Round(float64(c) * float64(time.Second) / float64(f)))
}
