package device

import (
	"fmt"
	"time"

	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/memstore"
	"github.com/sarchlab/cpring/recovery"
	"github.com/sarchlab/cpring/snapshot"
)

// HookPosRecoveryStep fires after every step of a recovery. The item is a
// RecoveryStep.
var HookPosRecoveryStep = &hooking.HookPos{Name: "RecoveryStep"}

// HookPosRecoveryDone fires when a recovery ends. The item is a
// RecoveryResult.
var HookPosRecoveryDone = &hooking.HookPos{Name: "RecoveryDone"}

// RecoveryStep describes a finished step of a recovery.
type RecoveryStep struct {
	RecoveryID string
	Attempt    int
	State      recovery.State
	Err        error
}

// RecoveryResult describes a finished recovery.
type RecoveryResult struct {
	RecoveryID       string
	Attempts         int
	FaultingContexts []uint32
	BadReplayed      bool
	Err              error
	Duration         time.Duration
}

type recoveryRun struct {
	id          string
	start       time.Time
	attempt     int
	lastActive  *Context
	savedGlobal uint32
	faulting    []uint32
	badReplayed bool
}

func (r *recoveryRun) addFaulting(id uint32) {
	for _, f := range r.faulting {
		if f == id {
			return
		}
	}

	r.faulting = append(r.faulting, id)
}

// Recover forces a recovery of a started device.
func (d *Device) Recover() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	switch d.state {
	case StateHung:
		return ErrDeviceHung
	case StateInit:
		return ErrNotStarted
	}

	return d.recoverOwned()
}

// recoverFrom recovers a hang seen while the recovery count was seen. If
// another caller recovered in the meantime, its outcome is returned instead.
func (d *Device) recoverFrom(seen uint64) error {
	d.acquireRing()
	defer d.releaseRing()

	if d.recoveryCount != seen {
		return d.lastRecoveryErr
	}

	switch d.state {
	case StateHung:
		return ErrDeviceHung
	case StateInit:
		return ErrNotStarted
	}

	return d.recoverOwned()
}

// recoverOwned runs one recovery. The caller owns the ring.
func (d *Device) recoverOwned() error {
	if d.state == StateHung {
		return ErrDeviceHung
	}

	d.state = StateDumpAndRecover

	r := &recoveryRun{
		id:          d.ids.Generate(),
		start:       d.clock.Now(),
		lastActive:  d.active,
		savedGlobal: d.tracker.Last(memstore.Global),
	}

	d.logger.Printf("%s: recovery %s started", d.name, r.id)

	err := d.runRecovery(r)

	return d.finishRecovery(r, err)
}

func (d *Device) runRecovery(r *recoveryRun) error {
	var (
		data   *recovery.Data
		result error
	)

	tryBad := true

	for state := recovery.Detecting; !state.Terminal(); {
		var err error

		switch state {
		case recovery.Collecting:
			r.attempt++
			if !d.policy.Allow(r.attempt) {
				err = fmt.Errorf("%w: %d", recovery.ErrTooManyAttempts,
					r.attempt-1)
			} else {
				data = d.collect(tryBad)
				tryBad = false
			}
		case recovery.Extracting:
			err = d.extract(r, data)
			d.capture(r, data)
		case recovery.Restarting:
			err = d.restart()
		case recovery.Replaying:
			err = d.replay(r, data)
		case recovery.Reconciling:
			d.reconcile(r)
		}

		d.InvokeHook(hooking.HookCtx{
			Domain: d,
			Pos:    HookPosRecoveryStep,
			Item: RecoveryStep{
				RecoveryID: r.id,
				Attempt:    r.attempt,
				State:      state,
				Err:        err,
			},
		})

		if err != nil {
			d.logger.Printf("%s: recovery %s attempt %d: %s: %v",
				d.name, r.id, r.attempt, state, err)
		}

		result = err
		state = recovery.Next(state, err)
	}

	return result
}

func (d *Device) collect(tryBad bool) *recovery.Data {
	data := recovery.NewData(d.ring.SizeDwords(), tryBad)

	if d.regs.Read(hw.RegCPIB1BufSz) != 0 || d.regs.Read(hw.RegCPIB2BufSz) != 0 {
		data.IB1 = d.regs.Read(hw.RegCPIB1Base)
	}

	data.ContextID = d.store.Read(memstore.Global, memstore.CurrentContext)
	data.GlobalEOP = d.store.Read(memstore.Global, memstore.EOPTimestamp)

	return data
}

// extract marks the faulting context and splits the ring. A ring where
// every entry retired has nothing to replay and no one to blame.
func (d *Device) extract(r *recoveryRun, data *recovery.Data) error {
	if data.GlobalEOP == d.tracker.Last(memstore.Global) {
		data.Good = data.Good[:0]
		data.Bad = data.Bad[:0]

		return nil
	}

	if ctx, ok := d.contexts[data.ContextID]; ok {
		ctx.Flags |= FlagGPUHang
		r.addFaulting(ctx.ID)
	}

	return data.Extract(d.ring.View(),
		d.store.Addr(memstore.Global, memstore.EOPTimestamp), d.lookup)
}

func (d *Device) lookup(id uint32) (recovery.ContextInfo, bool) {
	ctx, ok := d.contexts[id]
	if !ok {
		return recovery.ContextInfo{}, false
	}

	return recovery.ContextInfo{
		Hung:     ctx.hung(),
		Preamble: ctx.Flags&FlagPreamble != 0,
	}, true
}

func (d *Device) capture(r *recoveryRun, data *recovery.Data) {
	c := &snapshot.Capture{
		RecoveryID:       r.id,
		Attempt:          r.attempt,
		Time:             d.clock.Now(),
		Chip:             d.chip.Rev.String(),
		IB1:              data.IB1,
		ContextID:        data.ContextID,
		GlobalEOP:        data.GlobalEOP,
		Rptr:             d.ring.Rptr(),
		Wptr:             d.ring.Wptr(),
		Status:           d.regs.Read(d.chip.Generation.StatusRegister()),
		IB1Base:          d.regs.Read(hw.RegCPIB1Base),
		IB1Size:          d.regs.Read(hw.RegCPIB1BufSz),
		IB2Base:          d.regs.Read(hw.RegCPIB2Base),
		IB2Size:          d.regs.Read(hw.RegCPIB2BufSz),
		GoodWords:        len(data.Good),
		BadWords:         len(data.Bad),
		LastValidContext: data.LastValidContext,
		Ring:             d.ring.View().Words,
	}

	for _, ctx := range d.sortedContexts() {
		s := d.contextStatus(ctx)
		c.Contexts = append(c.Contexts, snapshot.ContextState{
			ID:      ctx.ID,
			Flags:   ctx.Flags.String(),
			Queued:  s.Queued,
			Retired: s.Retired,
		})
	}

	d.lastCapture = c

	for _, s := range d.sinks {
		s.Capture(c)
	}
}

func (d *Device) restart() error {
	d.stop()
	return d.start()
}

// replay runs the bad commands first, when there are any. If they hang
// again, the GPU restarts and only the good commands run.
func (d *Device) replay(r *recoveryRun, data *recovery.Data) error {
	ctx := d.contexts[data.ContextID]
	if ctx != nil {
		d.mmu.SetPageTable(ctx.PageTable)
	}

	if len(data.Bad) > 0 {
		d.ring.Restore(data.Bad)

		if err := d.drain(); err == nil {
			data.BadReplayed = true
			r.badReplayed = true

			if ctx != nil {
				ctx.Flags = ctx.Flags&^FlagGPUHang | FlagGPUHangRecovered
			}

			d.active = r.lastActive

			return nil
		}

		d.logger.Printf("%s: recovery %s: bad commands hung again",
			d.name, r.id)

		if err := d.restart(); err != nil {
			return err
		}
	}

	d.ring.Restore(data.Good)

	if err := d.drain(); err != nil {
		return fmt.Errorf("%w: %w", recovery.ErrRetry, err)
	}

	d.active = d.contexts[data.LastValidContext]

	return nil
}

func (d *Device) reconcile(r *recoveryRun) {
	pt := hw.DefaultPageTable
	if d.active != nil {
		pt = d.active.PageTable
	}

	d.mmu.SetPageTable(pt)

	d.tracker.Set(memstore.Global, r.savedGlobal)
	d.store.Write(memstore.Global, memstore.SOPTimestamp, r.savedGlobal)
	d.store.Write(memstore.Global, memstore.EOPTimestamp, r.savedGlobal)

	for _, id := range r.faulting {
		if ctx, ok := d.contexts[id]; ok {
			ctx.Flags |= FlagGPUHangRecovered
		}
	}
}

func (d *Device) finishRecovery(r *recoveryRun, err error) error {
	d.markContextStatus(err == nil)
	d.forceHungTimestamps()

	if err != nil {
		d.state = StateHung
		err = fmt.Errorf("%w: %w", ErrDeviceHung, err)
		d.logger.Printf("%s: recovery %s failed: %v", d.name, r.id, err)
	} else {
		d.state = StateActive
		d.logger.Printf("%s: recovery %s done after %d attempts",
			d.name, r.id, r.attempt)
	}

	d.recoveryCount++
	d.lastRecoveryErr = err

	d.InvokeHook(hooking.HookCtx{
		Domain: d,
		Pos:    HookPosRecoveryDone,
		Item: RecoveryResult{
			RecoveryID:       r.id,
			Attempts:         r.attempt,
			FaultingContexts: append([]uint32(nil), r.faulting...),
			BadReplayed:      r.badReplayed,
			Err:              err,
			Duration:         d.clock.Now().Sub(r.start),
		},
	})

	d.cond.Broadcast()

	return err
}

// markContextStatus tells every context how the recovery treated it. After
// a failure, every context is guilty and quarantined.
func (d *Device) markContextStatus(recovered bool) {
	for _, ctx := range d.contexts {
		if !recovered {
			ctx.ResetStatus = ResetGuilty
			ctx.Flags |= FlagGPUHang

			continue
		}

		if ctx.ResetStatus == ResetGuilty {
			continue
		}

		if ctx.Flags&(FlagGPUHang|FlagGPUHangRecovered) != 0 {
			ctx.ResetStatus = ResetGuilty
		} else {
			ctx.ResetStatus = ResetInnocent
		}
	}
}

// forceHungTimestamps retires everything a quarantined context queued, so
// that its waiters return.
func (d *Device) forceHungTimestamps() {
	for _, ctx := range d.contexts {
		slot := ctx.slot()
		if !ctx.hung() || slot == memstore.Global {
			continue
		}

		last := d.tracker.Last(slot)
		d.store.Write(slot, memstore.SOPTimestamp, last)
		d.store.Write(slot, memstore.EOPTimestamp, last)
	}
}
