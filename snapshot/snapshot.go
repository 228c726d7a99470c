// Package snapshot describes the state of a hung device and hands it to
// sinks that log or store it.
package snapshot

import (
	"fmt"
	"log"
	"time"
)

//go:generate mockgen -destination mock_snapshot/mock_snapshot.go github.com/sarchlab/cpring/snapshot Sink

// ContextState is one context at the time of a capture.
type ContextState struct {
	ID      uint32
	Flags   string
	Queued  uint32
	Retired uint32
}

// A Capture is taken once per recovery attempt, after the ring was scanned
// and before the device restarts.
type Capture struct {
	RecoveryID string
	Attempt    int
	Time       time.Time
	Chip       string

	IB1       uint32
	ContextID uint32
	GlobalEOP uint32

	Rptr, Wptr       uint32
	Status           uint32
	IB1Base, IB1Size uint32
	IB2Base, IB2Size uint32

	GoodWords        int
	BadWords         int
	LastValidContext uint32

	Ring     []uint32
	Contexts []ContextState
}

// String summarizes the capture on one line.
func (c *Capture) String() string {
	return fmt.Sprintf(
		"recovery %s attempt %d: ctx %d ib1 0x%08X eop %d rptr %d wptr %d "+
			"status 0x%08X good %d bad %d",
		c.RecoveryID, c.Attempt, c.ContextID, c.IB1, c.GlobalEOP,
		c.Rptr, c.Wptr, c.Status, c.GoodWords, c.BadWords)
}

// A Sink receives captures. Sinks run with the device lock held and must not
// call back into the device.
type Sink interface {
	Capture(c *Capture)
}

// LogSink prints captures.
type LogSink struct {
	Logger *log.Logger
}

// Capture implements Sink.
func (s LogSink) Capture(c *Capture) {
	s.Logger.Printf("snapshot %s", c)

	for _, ctx := range c.Contexts {
		s.Logger.Printf("  context %d [%s] queued %d retired %d",
			ctx.ID, ctx.Flags, ctx.Queued, ctx.Retired)
	}
}
