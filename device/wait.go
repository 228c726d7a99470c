package device

import (
	"fmt"
	"time"

	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/liveness"
	"github.com/sarchlab/cpring/memstore"
	"github.com/sarchlab/cpring/timestamp"
)

// TimeoutDefault makes Wait use the configured wait timeout.
const TimeoutDefault time.Duration = -1

// First hang checks of a timestamp wait.
const (
	waitFirstCheck      = 100 * time.Millisecond
	waitFirstCheckShort = 20 * time.Millisecond
)

// slotOf returns the timestamp slot of a context id. Id 0 is the global
// sequence.
func (d *Device) slotOf(id uint32) (uint32, error) {
	if id == 0 {
		return memstore.Global, nil
	}

	ctx, ok := d.contexts[id]
	if !ok {
		return 0, fmt.Errorf("%w: no context %d", ErrInvalidArgument, id)
	}

	return ctx.slot(), nil
}

// ReadTimestamp returns the queued, consumed or retired timestamp of a
// context. Id 0 reads the global sequence. The consumed timestamp is global
// for every context.
func (d *Device) ReadTimestamp(id uint32, kind timestamp.Kind) (uint32, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	slot, err := d.slotOf(id)
	if err != nil {
		return 0, err
	}

	switch kind {
	case timestamp.Queued:
		return d.tracker.Last(slot), nil
	case timestamp.Consumed:
		return d.regs.Read(hw.RegCPTimestamp), nil
	case timestamp.Retired:
		return d.store.Read(slot, memstore.EOPTimestamp), nil
	}

	return 0, fmt.Errorf("%w: timestamp kind %d", ErrInvalidArgument, kind)
}

func (d *Device) retired(slot, ts uint32) bool {
	return timestamp.Reached(d.store.Read(slot, memstore.EOPTimestamp), ts)
}

// armCompare asks the command processor to raise an interrupt once ts
// retires in slot.
func (d *Device) armCompare(slot, ts uint32) {
	enabled := d.store.Read(slot, memstore.TSCmpEnable) != 0
	ref := d.store.Read(slot, memstore.RefWaitTS)

	if !enabled || timestamp.Cmp(ts, ref) < 0 {
		d.store.Write(slot, memstore.RefWaitTS, ts)
	}

	d.store.Write(slot, memstore.TSCmpEnable, 1)
}

// Wait blocks until timestamp ts of a context retires. A zero timeout polls
// once. A wait that runs out of time while the GPU is hung recovers it and
// succeeds when the recovery does. A wait that runs out of time on a
// healthy GPU also succeeds.
func (d *Device) Wait(id uint32, ts uint32, timeout time.Duration) error {
	if timeout == TimeoutDefault {
		timeout = d.cfg.WaitTimeout
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	slot, err := d.slotOf(id)
	if err != nil {
		return err
	}

	if timestamp.Cmp(ts, d.tracker.Last(slot)) > 0 {
		return fmt.Errorf("%w: timestamp %d was never issued",
			ErrInvalidArgument, ts)
	}

	if d.retired(slot, ts) {
		return nil
	}

	if timeout == 0 {
		return ErrTimeout
	}

	return d.waitRetired(slot, ts, timeout)
}

func (d *Device) waitRetired(slot, ts uint32, timeout time.Duration) error {
	first := waitFirstCheck
	if timeout < waitFirstCheck {
		first = waitFirstCheckShort
	}

	ladder := liveness.NewLadder(d.clock.Now(), timeout, first, d.cfg.TimeoutPart)
	sample := &liveness.Sample{}

	for !d.retired(slot, ts) {
		switch d.state {
		case StateHung:
			return ErrDeviceHung
		case StateInit:
			return ErrNotStarted
		case StateDumpAndRecover:
			d.cond.Wait()
			continue
		}

		d.armCompare(slot, ts)

		now := d.clock.Now()
		if ladder.Expired(now) {
			return d.expire(slot, ts, sample)
		}

		if ladder.CheckDue(now) && d.monitor.HangDetect(sample) {
			if err := d.recoverFrom(d.recoveryCount); err != nil {
				return err
			}

			ladder = liveness.NewLadder(d.clock.Now(), timeout, first,
				d.cfg.TimeoutPart)
			sample = &liveness.Sample{}

			continue
		}

		d.sleepUnlocked(d.cfg.PollInterval)
	}

	return nil
}

// expire decides the outcome of a wait that ran out of time.
func (d *Device) expire(slot, ts uint32, sample *liveness.Sample) error {
	if d.retired(slot, ts) || !d.confirmHang(sample) {
		return nil
	}

	d.logger.Printf("%s: hang detected while waiting for timestamp %d "+
		"in slot %d", d.name, ts, slot)

	return d.recoverFrom(d.recoveryCount)
}

func (d *Device) confirmHang(sample *liveness.Sample) bool {
	if !d.cfg.FastHangDetect {
		return !d.monitor.IsIdle(d.ring)
	}

	return d.monitor.HangDetect(sample)
}
