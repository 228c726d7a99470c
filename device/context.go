package device

import (
	"fmt"
	"strings"

	"github.com/sarchlab/cpring/memstore"
)

// ContextFlags describe a context.
type ContextFlags uint32

// Context flags. Clients may only set FlagPerContextTimestamps and
// FlagPreamble.
const (
	// FlagPerContextTimestamps gives the context its own timestamp sequence.
	FlagPerContextTimestamps ContextFlags = 1 << iota

	// FlagPreamble means the first indirect buffer of each submission
	// restores state and may be skipped while the context stays active.
	FlagPreamble

	// FlagGPUHang marks a context that caused a hang. Its submissions are
	// rejected.
	FlagGPUHang

	// FlagGPUHangRecovered marks a context whose hang was recovered from.
	FlagGPUHangRecovered

	clientFlags = FlagPerContextTimestamps | FlagPreamble
)

func (f ContextFlags) String() string {
	names := []string{}

	if f&FlagPerContextTimestamps != 0 {
		names = append(names, "per-context-ts")
	}

	if f&FlagPreamble != 0 {
		names = append(names, "preamble")
	}

	if f&FlagGPUHang != 0 {
		names = append(names, "hang")
	}

	if f&FlagGPUHangRecovered != 0 {
		names = append(names, "recovered")
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

// ResetStatus tells a context how the last recovery treated it.
type ResetStatus int

// Reset statuses.
const (
	ResetNone ResetStatus = iota
	ResetInnocent
	ResetGuilty
)

func (s ResetStatus) String() string {
	switch s {
	case ResetNone:
		return "none"
	case ResetInnocent:
		return "innocent"
	case ResetGuilty:
		return "guilty"
	}

	return fmt.Sprintf("ResetStatus(%d)", int(s))
}

// A Context is a client's stream of submissions. Contexts share the ring;
// their ids index the timestamp slots.
type Context struct {
	ID          uint32
	Flags       ContextFlags
	PageTable   uint32
	ResetStatus ResetStatus
}

// slot returns the timestamp slot of the context. Contexts without their own
// sequence use the global slot.
func (c *Context) slot() uint32 {
	if c == nil || c.Flags&FlagPerContextTimestamps == 0 {
		return memstore.Global
	}

	return c.ID
}

func (c *Context) hung() bool {
	return c != nil && c.Flags&FlagGPUHang != 0
}

// CreateContext registers a context and returns its id. Ids are recycled
// lowest first.
func (d *Device) CreateContext(flags ContextFlags, pageTable uint32) (uint32, error) {
	if flags&^clientFlags != 0 {
		return 0, fmt.Errorf("%w: flags %s", ErrInvalidArgument, flags)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for id := uint32(1); id < memstore.MaxSlots; id++ {
		if _, used := d.contexts[id]; used {
			continue
		}

		d.contexts[id] = &Context{
			ID:        id,
			Flags:     flags,
			PageTable: pageTable,
		}

		d.tracker.ResetSlot(id)
		d.store.Write(id, memstore.SOPTimestamp, 0)
		d.store.Write(id, memstore.EOPTimestamp, 0)
		d.store.Write(id, memstore.TSCmpEnable, 0)
		d.store.Write(id, memstore.RefWaitTS, 0)

		return id, nil
	}

	return 0, ErrNoContext
}

// DestroyContext removes a context. If it owns the GPU, the device switches
// away from it and drains first.
func (d *Device) DestroyContext(id uint32) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	ctx, ok := d.contexts[id]
	if !ok {
		return fmt.Errorf("%w: no context %d", ErrInvalidArgument, id)
	}

	if d.active == ctx {
		if d.state == StateActive {
			if err := d.switchContext(nil); err != nil {
				d.logger.Printf("switching away from context %d: %v", id, err)
			}

			if err := d.waitForIdle(); err != nil {
				d.logger.Printf("draining context %d: %v", id, err)
			}
		}

		d.active = nil
	}

	delete(d.contexts, id)

	return nil
}

// ContextStatus is a context plus its timestamps.
type ContextStatus struct {
	Context
	Queued  uint32
	Retired uint32
}

// Context returns the status of a context.
func (d *Device) Context(id uint32) (ContextStatus, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	ctx, ok := d.contexts[id]
	if !ok {
		return ContextStatus{}, false
	}

	return d.contextStatus(ctx), true
}

// Contexts returns the status of every context, ordered by id.
func (d *Device) Contexts() []ContextStatus {
	d.lock.Lock()
	defer d.lock.Unlock()

	list := make([]ContextStatus, 0, len(d.contexts))
	for _, ctx := range d.sortedContexts() {
		list = append(list, d.contextStatus(ctx))
	}

	return list
}

func (d *Device) contextStatus(ctx *Context) ContextStatus {
	slot := ctx.slot()

	return ContextStatus{
		Context: *ctx,
		Queued:  d.tracker.Last(slot),
		Retired: d.store.Read(slot, memstore.EOPTimestamp),
	}
}

func (d *Device) sortedContexts() []*Context {
	list := make([]*Context, 0, len(d.contexts))

	for id := uint32(1); id < memstore.MaxSlots; id++ {
		if ctx, ok := d.contexts[id]; ok {
			list = append(list, ctx)
		}
	}

	return list
}
