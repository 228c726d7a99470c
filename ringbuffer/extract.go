package ringbuffer

import (
	"errors"

	"github.com/sarchlab/cpring/pm4"
)

// Scan failures.
var (
	ErrEntryNotFound   = errors.New("ringbuffer: no entry after the retired timestamp")
	ErrIBNotFound      = errors.New("ringbuffer: hanging indirect buffer not found")
	ErrSwitchBeforeIB  = errors.New("ringbuffer: context switch before the hanging indirect buffer")
	errNoEntryBoundary = errors.New("ringbuffer: no entry boundary")
)

// A View is a copy of the ring taken for scanning. Positions are word
// indices and wrap at the end of Words. Scans never cross Wptr.
type View struct {
	Words []uint32
	Wptr  uint32

	// Filler is where the ring last padded its tail before wrapping. It is
	// only meaningful when HasFiller is set.
	Filler    uint32
	HasFiller bool
}

func (v View) size() uint32 {
	return uint32(len(v.Words))
}

func (v View) inc(p uint32) uint32 {
	return (p + 1) % v.size()
}

func (v View) dec(p uint32) uint32 {
	return (p + v.size() - 1) % v.size()
}

func (v View) at(p uint32) uint32 {
	return v.Words[p%v.size()]
}

// isFiller reports whether p holds the live wrap filler. Only the filler
// the ring recorded counts, and only while it lies ahead of Wptr, so client
// words that look like a nop never move a scan.
func (v View) isFiller(p uint32) bool {
	return v.HasFiller && p == v.Filler && p > v.Wptr
}

// next returns the position after p, jumping over a filler. A scan that
// jumps lands at 0, behind Wptr, and cannot jump again.
func (v View) next(p uint32) uint32 {
	if v.isFiller(p) {
		return 0
	}

	return v.inc(p)
}

// entryStart walks back from p to the command identifier of the entry that
// contains p and returns the position of the nop before it.
func (v View) entryStart(p uint32) (uint32, error) {
	for q := v.dec(p); q != v.Wptr; q = v.dec(q) {
		if v.Words[q] == pm4.CmdIdentifier {
			return v.dec(q), nil
		}
	}

	return 0, errNoEntryBoundary
}

// FindEntryAfterEOP scans backward from Wptr for the packet that writes ts
// to eopAddr, and returns the start of the entry that holds it. Passing the
// retired global timestamp plus one finds the first entry that did not
// complete.
func (v View) FindEntryAfterEOP(eopAddr, ts uint32) (uint32, error) {
	p := v.Wptr
	for k := uint32(1); k < v.size(); k++ {
		p = v.dec(p)
		if k < 3 {
			continue
		}

		h := v.Words[p]
		if h != pm4.MemWriteHeader && h != pm4.EventCacheFlushTS {
			continue
		}

		if v.at(p+1) == eopAddr && v.at(p+2) == ts {
			start, err := v.entryStart(p)
			if err != nil {
				return 0, ErrEntryNotFound
			}

			return start, nil
		}
	}

	return 0, ErrEntryNotFound
}

// FindHangingIB scans forward from the entry at from for an indirect
// buffer packet that jumps to ib1, and returns the start of its entry. A
// second context switch before the match means the hanging buffer belongs
// to someone else.
func (v View) FindHangingIB(from, ib1 uint32) (uint32, error) {
	switched := false

	for p := from; p != v.Wptr; p = v.next(p) {
		w := v.Words[p]

		if p != from && w == ib1 && isIBHeader(v.Words[v.dec(p)]) {
			start, err := v.entryStart(p)
			if err != nil {
				return 0, ErrIBNotFound
			}

			return start, nil
		}

		if w == pm4.ContextToMemIdentifier {
			if switched {
				return 0, ErrSwitchBeforeIB
			}

			switched = true
		}
	}

	return 0, ErrIBNotFound
}

func isIBHeader(w uint32) bool {
	return w == pm4.Type3Packet(pm4.OpIndirectBufferPFD, 2) ||
		w == pm4.Type3Packet(pm4.OpIndirectBufferPFE, 2)
}

// EnablePreamble rewrites the preamble-skipping nop of the entry at from so
// that its preamble buffer runs again. It reports whether a rewrite
// happened. The scan stops at the next entry.
func (v View) EnablePreamble(from uint32) bool {
	entries := 0

	for p := from; p != v.Wptr; p = v.next(p) {
		w := v.Words[p]

		if p != from && w == pm4.StartOfIBIdentifier {
			prev := v.dec(p)
			if v.Words[prev] == pm4.NopPacket(4) {
				v.Words[prev] = pm4.NopPacket(1)
				return true
			}

			return false
		}

		if w == pm4.CmdIdentifier {
			entries++
			if entries > 1 {
				return false
			}
		}
	}

	return false
}

// ContextLookup reports whether a context id is live and whether it is
// marked as hung.
type ContextLookup func(id uint32) (known, hung bool)

// A Split is the outcome of CopyValid.
type Split struct {
	// Good holds the entries of contexts that are not hung, starting at the
	// first switch to such a context.
	Good []uint32

	// Bad holds every word from the start position up to Wptr.
	Bad []uint32

	// LastValidContext is the last context whose switch opened a good run.
	LastValidContext uint32
}

// CopyValid walks from the entry at from to Wptr and splits the words.
// Everything goes to Bad. Good follows context switch markers: a switch to
// a live, healthy context starts copying from the beginning of the switch
// entry, a switch to a hung context drops that switch entry and stops.
// Filler packets are left out of both.
func (v View) CopyValid(from uint32, lookup ContextLookup) Split {
	var (
		s            Split
		copying      bool
		cmdStart     int
		goodCmdStart int
	)

	for p := from; p != v.Wptr; p = v.next(p) {
		if v.isFiller(p) {
			continue
		}

		w := v.Words[p]

		if w == pm4.CmdIdentifier {
			cmdStart = max(len(s.Bad)-1, 0)
			if copying {
				goodCmdStart = max(len(s.Good)-1, 0)
			}
		}

		if w == pm4.ContextToMemIdentifier {
			id := v.at(p + 3)

			known, hung := lookup(id)
			switch {
			case known && !copying && !hung:
				s.Good = append(s.Good, s.Bad[cmdStart:]...)
				s.LastValidContext = id
				copying = true
			case known && copying && hung:
				s.Good = s.Good[:goodCmdStart]
				copying = false
			}
		}

		if copying {
			s.Good = append(s.Good, w)
		}

		s.Bad = append(s.Bad, w)
	}

	return s
}
