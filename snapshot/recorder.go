package snapshot

import (
	"github.com/sarchlab/cpring/datarecording"
)

// Tables written by RecorderSink.
const (
	TableSnapshots = "snapshots"
	TableContexts  = "snapshot_contexts"
	TableRing      = "snapshot_ring"
)

// SnapshotRow is the row of a capture in TableSnapshots.
type SnapshotRow struct {
	RecoveryID       string
	Attempt          int
	TimeNs           int64
	Chip             string
	IB1              uint32
	ContextID        uint32
	GlobalEOP        uint32
	Rptr             uint32
	Wptr             uint32
	Status           uint32
	IB1Base          uint32
	IB1Size          uint32
	IB2Base          uint32
	IB2Size          uint32
	GoodWords        int
	BadWords         int
	LastValidContext uint32
}

// ContextRow is a context of a capture in TableContexts.
type ContextRow struct {
	RecoveryID string
	Attempt    int
	ContextID  uint32
	Flags      string
	Queued     uint32
	Retired    uint32
}

// RingRow is a word of the ring of a capture in TableRing.
type RingRow struct {
	RecoveryID string
	Attempt    int
	Offset     uint32
	Word       uint32
}

// RecorderSink stores captures through a DataRecorder.
type RecorderSink struct {
	recorder datarecording.DataRecorder
}

// NewRecorderSink creates the tables and returns the sink.
func NewRecorderSink(r datarecording.DataRecorder) *RecorderSink {
	r.CreateTable(TableSnapshots, SnapshotRow{})
	r.CreateTable(TableContexts, ContextRow{})
	r.CreateTable(TableRing, RingRow{})

	return &RecorderSink{recorder: r}
}

// Capture implements Sink.
func (s *RecorderSink) Capture(c *Capture) {
	s.recorder.InsertData(TableSnapshots, SnapshotRow{
		RecoveryID:       c.RecoveryID,
		Attempt:          c.Attempt,
		TimeNs:           c.Time.UnixNano(),
		Chip:             c.Chip,
		IB1:              c.IB1,
		ContextID:        c.ContextID,
		GlobalEOP:        c.GlobalEOP,
		Rptr:             c.Rptr,
		Wptr:             c.Wptr,
		Status:           c.Status,
		IB1Base:          c.IB1Base,
		IB1Size:          c.IB1Size,
		IB2Base:          c.IB2Base,
		IB2Size:          c.IB2Size,
		GoodWords:        c.GoodWords,
		BadWords:         c.BadWords,
		LastValidContext: c.LastValidContext,
	})

	for _, ctx := range c.Contexts {
		s.recorder.InsertData(TableContexts, ContextRow{
			RecoveryID: c.RecoveryID,
			Attempt:    c.Attempt,
			ContextID:  ctx.ID,
			Flags:      ctx.Flags,
			Queued:     ctx.Queued,
			Retired:    ctx.Retired,
		})
	}

	for i, w := range c.Ring {
		s.recorder.InsertData(TableRing, RingRow{
			RecoveryID: c.RecoveryID,
			Attempt:    c.Attempt,
			Offset:     uint32(i),
			Word:       w,
		})
	}

	s.recorder.Flush()
}
