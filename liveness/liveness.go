// Package liveness decides whether the command processor is idle, busy or
// stuck.
package liveness

import (
	"time"

	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hw"
)

// Registers sampled after the generation status register.
var diagnosticRegisters = [...]uint32{
	hw.RegCPRBRptr,
	hw.RegCPIB1Base,
	hw.RegCPIB1BufSz,
	hw.RegCPIB2Base,
	hw.RegCPIB2BufSz,
}

// NumDiagnostics is the number of registers in a sample.
const NumDiagnostics = len(diagnosticRegisters) + 1

// A Sample remembers the registers seen by the previous round of one
// waiter, and how many rounds in a row they stayed the same.
type Sample struct {
	Values [NumDiagnostics]uint32
	Stable int
}

// RingCursors exposes the two cursors of the ring.
type RingCursors interface {
	Rptr() uint32
	Wptr() uint32
}

// A Monitor reads the diagnostic registers of one device.
type Monitor struct {
	Regs hw.Registers
	Gen  gpufamily.Generation

	// FastHangDetect enables register based hang detection. When off, only
	// timeouts reveal a hang.
	FastHangDetect bool

	// StableRounds is the number of unchanged rounds that make a hang.
	StableRounds int
}

// StatusIdle reports whether the busy status register shows idle.
func (m *Monitor) StatusIdle() bool {
	return m.Gen.IsIdleStatus(m.Regs.Read(m.Gen.StatusRegister()))
}

// IsIdle reports whether the ring is drained and the status shows idle.
func (m *Monitor) IsIdle(ring RingCursors) bool {
	if ring.Rptr() != ring.Wptr() {
		return false
	}

	return m.StatusIdle()
}

// Read returns the current diagnostic register values, status first.
func (m *Monitor) Read() [NumDiagnostics]uint32 {
	var v [NumDiagnostics]uint32

	v[0] = m.Regs.Read(m.Gen.StatusRegister())
	for i, reg := range diagnosticRegisters {
		v[i+1] = m.Regs.Read(reg)
	}

	return v
}

// HangDetect runs one round against s. A hang is reported once every
// register stayed unchanged for StableRounds rounds in a row while the
// device was busy.
func (m *Monitor) HangDetect(s *Sample) bool {
	if !m.FastHangDetect {
		return false
	}

	if m.StatusIdle() {
		s.Stable = 0
		return false
	}

	curr := m.Read()
	if curr != s.Values {
		s.Values = curr
		s.Stable = 0

		return false
	}

	s.Stable++

	rounds := m.StableRounds
	if rounds < 1 {
		rounds = 1
	}

	return s.Stable >= rounds
}

// A Ladder tracks the deadlines of a wait: an absolute timeout and a
// sequence of partial deadlines at which a hang check is due.
type Ladder struct {
	deadline time.Time
	next     time.Time
	part     time.Duration
}

// NewLadder starts a ladder at now. The first check is due after first and
// the following ones every part.
func NewLadder(now time.Time, total, first, part time.Duration) *Ladder {
	return &Ladder{
		deadline: now.Add(total),
		next:     now.Add(first),
		part:     part,
	}
}

// Expired reports whether the absolute timeout passed.
func (l *Ladder) Expired(now time.Time) bool {
	return now.After(l.deadline)
}

// CheckDue reports whether a partial deadline passed, and schedules the
// next one if so.
func (l *Ladder) CheckDue(now time.Time) bool {
	if now.Before(l.next) {
		return false
	}

	l.next = now.Add(l.part)

	return true
}
