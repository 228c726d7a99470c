package recovery

import (
	"github.com/sarchlab/cpring/ringbuffer"
)

// ContextInfo is what extraction needs to know about a context.
type ContextInfo struct {
	Hung     bool
	Preamble bool
}

// Lookup returns the context with the given id, if it exists.
type Lookup func(id uint32) (ContextInfo, bool)

// Data is the snapshot taken when a hang is detected. It lives for one
// attempt.
type Data struct {
	// IB1 is the indirect buffer the command processor was in, or 0.
	IB1 uint32

	// ContextID is the context that owned the GPU when it hung.
	ContextID uint32

	// GlobalEOP is the last global timestamp the GPU retired.
	GlobalEOP uint32

	// Good holds the commands of healthy contexts, in ring order.
	Good []uint32

	// Bad holds every command after the last retired entry.
	Bad []uint32

	// LastValidContext is the context that owns the GPU after a replay of
	// Good.
	LastValidContext uint32

	// TryBad is false on retries, where Bad is never replayed.
	TryBad bool

	// BadReplayed is set when Bad ran to completion.
	BadReplayed bool
}

// NewData creates a snapshot whose buffers can hold a whole ring.
func NewData(ringSizeDwords uint32, tryBad bool) *Data {
	return &Data{
		Good:   make([]uint32, 0, ringSizeDwords),
		Bad:    make([]uint32, 0, ringSizeDwords),
		TryBad: tryBad,
	}
}

// Extract fills Good and Bad from a view of the hung ring. eopAddr is the GPU
// address of the global end-of-pipe timestamp. The faulting context must
// already be marked as hung in lookup.
//
// When the faulting context uses a preamble, the scan starts at the entry of
// the hanging indirect buffer and the preamble of that entry is turned back
// on. If that entry cannot be found, or the context has no preamble, Bad is
// dropped. If the faulting context is unknown, Good is dropped.
func (d *Data) Extract(v ringbuffer.View, eopAddr uint32, lookup Lookup) error {
	start, err := v.FindEntryAfterEOP(eopAddr, d.GlobalEOP+1)
	if err != nil {
		return err
	}

	ctx, known := lookup(d.ContextID)
	keepBad := d.TryBad

	if known {
		if ctx.Preamble {
			start, keepBad = d.findPreamble(v, start, keepBad)
		} else {
			keepBad = false
		}
	}

	split := v.CopyValid(start, func(id uint32) (bool, bool) {
		c, ok := lookup(id)
		return ok, c.Hung
	})

	d.Good = append(d.Good[:0], split.Good...)
	d.Bad = append(d.Bad[:0], split.Bad...)
	d.LastValidContext = split.LastValidContext

	if !keepBad {
		d.Bad = d.Bad[:0]
	}

	if !known {
		d.Good = d.Good[:0]
	}

	return nil
}

func (d *Data) findPreamble(
	v ringbuffer.View,
	start uint32,
	keepBad bool,
) (uint32, bool) {
	if d.IB1 != 0 {
		ibStart, err := v.FindHangingIB(start, d.IB1)
		if err != nil {
			return start, false
		}

		start = ibStart
	}

	v.EnablePreamble(start)

	return start, keepBad
}
