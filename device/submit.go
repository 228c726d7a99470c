package device

import (
	"errors"
	"fmt"

	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/memstore"
	"github.com/sarchlab/cpring/pm4"
)

// HookPosSubmit fires after an entry is published to the ring. The item is a
// SubmitEvent.
var HookPosSubmit = &hooking.HookPos{Name: "Submit"}

// HookPosReject fires when an indirect buffer fails validation. The item is a
// RejectEvent.
var HookPosReject = &hooking.HookPos{Name: "Reject"}

// CmdFlags change how an entry is wrapped.
type CmdFlags uint32

// Command flags.
const (
	// CmdProtectedMode turns register protection off around the commands.
	CmdProtectedMode CmdFlags = 1 << iota

	// CmdNoTimestampCompare leaves out the comparison interrupt.
	CmdNoTimestampCompare
)

// An IB is an indirect buffer owned by a client.
type IB struct {
	GPUAddr    uint32
	SizeDwords uint32
}

// SubmitEvent describes one published entry.
type SubmitEvent struct {
	ContextID       uint32
	Timestamp       uint32
	GlobalTimestamp uint32
	Words           int
	Switch          bool
}

// RejectEvent describes a rejected indirect buffer.
type RejectEvent struct {
	ContextID uint32
	IB        IB
	Err       error
}

// IssueCommands wraps raw command words into an entry and submits it. An id
// of 0 submits outside of any context. It returns the timestamp of the
// entry.
//
// A context that caused a hang gets its last timestamp back and nothing is
// submitted. A hung device returns the last retired global timestamp.
func (d *Device) IssueCommands(
	id uint32,
	flags CmdFlags,
	words []uint32,
) (uint32, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	var ctx *Context
	if id != 0 {
		var ok bool
		if ctx, ok = d.contexts[id]; !ok {
			return 0, fmt.Errorf("%w: no context %d", ErrInvalidArgument, id)
		}
	}

	if d.state == StateHung {
		return d.store.Read(memstore.Global, memstore.EOPTimestamp), nil
	}

	if ctx.hung() {
		return d.tracker.Last(ctx.slot()), nil
	}

	if !d.ring.Started() {
		return 0, ErrNotStarted
	}

	d.submitting = ctx
	defer func() { d.submitting = nil }()

	return d.addCmds(ctx, flags, words)
}

// IssueIBs submits indirect buffers on behalf of a context and returns the
// timestamp of the entry. When the context has a preamble and already owns
// the GPU, the first buffer is skipped by the command processor.
func (d *Device) IssueIBs(id uint32, ibs []IB, flags CmdFlags) (uint32, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	if d.state == StateHung {
		return 0, ErrDeviceHung
	}

	if !d.ring.Started() {
		return 0, ErrNotStarted
	}

	ctx, ok := d.contexts[id]
	if !ok || len(ibs) == 0 {
		return 0, fmt.Errorf("%w: context %d, %d buffers",
			ErrInvalidArgument, id, len(ibs))
	}

	if ctx.hung() {
		return 0, ErrDeadlock
	}

	d.submitting = ctx
	defer func() {
		d.submitting = nil
		d.switched = false
	}()

	for {
		cmds, err := d.ibCommands(ctx, ibs)
		if err != nil {
			return 0, err
		}

		ts, err := d.switchAndAdd(ctx, flags, cmds)
		if errors.Is(err, errReplayed) {
			continue
		}

		if err != nil {
			return 0, err
		}

		if ctx.hung() {
			return ts, ErrDeadlock
		}

		return ts, nil
	}
}

func (d *Device) switchAndAdd(
	ctx *Context,
	flags CmdFlags,
	cmds []uint32,
) (uint32, error) {
	d.switched = false

	if err := d.switchContext(ctx); err != nil {
		return 0, err
	}

	d.switched = true

	return d.addCmds(ctx, flags, cmds)
}

// ibCommands builds the body of an IB entry. The preamble skip is decided
// against the context that owns the GPU right now.
func (d *Device) ibCommands(ctx *Context, ibs []IB) ([]uint32, error) {
	cmds := make([]uint32, 0, 3*len(ibs)+6)
	first := 0

	if ctx.Flags&FlagPreamble != 0 && d.active == ctx {
		first = 1
		cmds = append(cmds, pm4.NopPacket(4), pm4.StartOfIBIdentifier)
		cmds = append(cmds, pm4.IBPacket(ibs[0].GPUAddr, ibs[0].SizeDwords)...)
	} else {
		cmds = append(cmds, pm4.NopPacket(1), pm4.StartOfIBIdentifier)
	}

	for _, ib := range ibs[first:] {
		if err := d.validator.Validate(ib.GPUAddr, ib.SizeDwords); err != nil {
			d.InvokeHook(hooking.HookCtx{
				Domain: d,
				Pos:    HookPosReject,
				Item:   RejectEvent{ContextID: ctx.ID, IB: ib, Err: err},
			})

			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}

		cmds = append(cmds, pm4.IBPacket(ib.GPUAddr, ib.SizeDwords)...)
	}

	cmds = append(cmds, pm4.NopPacket(1), pm4.EndOfIBIdentifier)

	return cmds, nil
}

// switchContext makes ctx own the GPU. The switch entry records the new
// context in the global slot so that recovery can tell whose commands
// follow.
func (d *Device) switchContext(ctx *Context) error {
	if d.active == ctx {
		return nil
	}

	id := uint32(0)
	pt := hw.DefaultPageTable

	if ctx != nil {
		id = ctx.ID
		pt = ctx.PageTable
	}

	_, err := d.addCmds(nil, 0, []uint32{
		pm4.NopPacket(1), pm4.ContextToMemIdentifier,
		pm4.MemWriteHeader,
		d.store.Addr(memstore.Global, memstore.CurrentContext),
		id,
	})
	if err != nil {
		return err
	}

	d.mmu.SetPageTable(pt)
	d.active = ctx

	return nil
}

// addCmds writes one entry: the commands followed by the timestamp writes
// and the comparison interrupt, and submits it.
func (d *Device) addCmds(
	ctx *Context,
	flags CmdFlags,
	cmds []uint32,
) (uint32, error) {
	gen := d.chip.Generation
	slot := ctx.slot()
	perContext := slot != memstore.Global
	protected := flags&CmdProtectedMode != 0
	compare := flags&CmdNoTimestampCompare == 0

	n := 2 + len(cmds) + 2 + len(gen.PostTimestamp()) + len(gen.Epilogue())
	if protected {
		n += 4
	}

	if perContext {
		n += 10
	} else {
		n += 4
	}

	if compare {
		n += 7
	}

	span, err := d.ring.AllocSpace(uint32(n))
	if err != nil {
		return 0, err
	}

	span.Put(pm4.NopPacket(1), pm4.CmdIdentifier)

	if protected {
		span.Put(pm4.ProtectedModePacket(false)...)
	}

	span.Put(cmds...)

	if protected {
		span.Put(pm4.ProtectedModePacket(true)...)
	}

	ts, global := d.tracker.Issue(slot, perContext)

	span.Put(pm4.RegWritePacket(hw.RegCPTimestamp, global)...)
	span.Put(gen.PostTimestamp()...)

	globalEOP := d.store.Addr(memstore.Global, memstore.EOPTimestamp)
	if perContext {
		span.Put(pm4.MemWritePacket(
			d.store.Addr(slot, memstore.SOPTimestamp), ts)...)
		span.Put(pm4.CacheFlushTSPacket(
			d.store.Addr(slot, memstore.EOPTimestamp), ts)...)
		span.Put(pm4.MemWritePacket(globalEOP, global)...)
	} else {
		span.Put(pm4.CacheFlushTSPacket(globalEOP, global)...)
	}

	if compare {
		span.Put(pm4.CondExecPacket(
			d.store.Addr(slot, memstore.TSCmpEnable),
			d.store.Addr(slot, memstore.RefWaitTS),
			ts, 2)...)
		span.Put(pm4.InterruptPacket()...)
	}

	span.Put(gen.Epilogue()...)
	span.Done()

	d.ring.Submit()

	evt := SubmitEvent{
		Timestamp:       ts,
		GlobalTimestamp: global,
		Words:           n,
		Switch:          len(cmds) > 1 && cmds[1] == pm4.ContextToMemIdentifier,
	}
	if ctx != nil {
		evt.ContextID = ctx.ID
	}

	d.InvokeHook(hooking.HookCtx{Domain: d, Pos: HookPosSubmit, Item: evt})

	return ts, nil
}
