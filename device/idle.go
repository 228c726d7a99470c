package device

import (
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/liveness"
)

// Idle waits until the GPU executed everything submitted and reports idle.
func (d *Device) Idle() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	if d.state == StateHung {
		return ErrDeviceHung
	}

	if !d.ring.Started() {
		return nil
	}

	return d.waitForIdle()
}

// IsIdle reports whether the ring is drained and the GPU idle, without
// waiting.
func (d *Device) IsIdle() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if !d.ring.Started() {
		return true
	}

	return d.monitor.IsIdle(d.ring)
}

// waitForIdle drains the ring. A stall recovers the GPU and drains again,
// unless a recovery is already running. The caller owns the ring.
func (d *Device) waitForIdle() error {
	for {
		err := d.drain()
		if err == nil {
			return nil
		}

		if d.state != StateActive {
			return err
		}

		if err := d.recoverOwned(); err != nil {
			return err
		}
	}
}

// drain waits for rptr to reach wptr, then for the busy status to clear.
func (d *Device) drain() error {
	d.regs.Write(hw.RegCPRBWptr, d.ring.Wptr())

	ladder := liveness.NewLadder(d.clock.Now(),
		d.cfg.IdleTimeout, d.cfg.TimeoutPart, d.cfg.TimeoutPart)
	sample := &liveness.Sample{}

	for d.ring.Rptr() != d.ring.Wptr() {
		now := d.clock.Now()
		if ladder.Expired(now) {
			return errStalled
		}

		if ladder.CheckDue(now) && d.monitor.HangDetect(sample) {
			return errStalled
		}

		d.sleepUnlocked(d.cfg.PollInterval)
	}

	deadline := d.clock.Now().Add(d.cfg.StatusTimeout)
	for !d.monitor.StatusIdle() {
		if d.clock.Now().After(deadline) {
			return errStalled
		}

		d.sleepUnlocked(d.cfg.PollInterval)
	}

	return nil
}
