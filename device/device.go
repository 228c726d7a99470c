// Package device drives one GPU command processor. It owns the command ring,
// the context table and the timestamps, and recovers the ring when the GPU
// stops making progress.
package device

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/cpring/config"
	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/idgen"
	"github.com/sarchlab/cpring/liveness"
	"github.com/sarchlab/cpring/memory"
	"github.com/sarchlab/cpring/memstore"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/recovery"
	"github.com/sarchlab/cpring/ringbuffer"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/sarchlab/cpring/timestamp"
	"github.com/sarchlab/cpring/timing"
)

// State is the lifecycle state of a device.
type State int

// Device states.
const (
	StateInit State = iota
	StateActive
	StateDumpAndRecover
	StateHung
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateDumpAndRecover:
		return "dump-and-recover"
	case StateHung:
		return "hung"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// A Device is the host side of one GPU.
//
// A single mutex guards everything. Polling loops release it while they
// sleep. The ring has a separate owner flag so that a submitter sleeping for
// space keeps it while other clients wait or read timestamps.
type Device struct {
	*hooking.HookableBase

	name     string
	cfg      config.Config
	regs     hw.Registers
	power    hw.Power
	mmu      hw.MMU
	firmware hw.FirmwareLoader
	alloc    memory.Allocator
	clock    timing.Clock
	logger   *log.Logger
	sinks    []snapshot.Sink
	ids      idgen.Generator

	chip      *gpufamily.Chip
	store     *memstore.Store
	ring      *ringbuffer.Ring
	monitor   *liveness.Monitor
	validator *pm4.Validator
	tracker   *timestamp.Tracker
	policy    recovery.Policy

	lock     sync.Mutex
	cond     *sync.Cond
	ringBusy bool

	state       State
	everStarted bool
	contexts    map[uint32]*Context
	active      *Context

	submitting *Context
	switched   bool

	recoveryCount   uint64
	lastRecoveryErr error
	lastCapture     *snapshot.Capture

	interrupts atomic.Uint64
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Chip returns the identified chip.
func (d *Device) Chip() *gpufamily.Chip {
	return d.chip
}

// Config returns the configuration of the device.
func (d *Device) Config() config.Config {
	return d.cfg
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.state
}

// Start powers the GPU up and starts the ring. Starting a running device does
// nothing.
func (d *Device) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	switch d.state {
	case StateHung:
		return ErrDeviceHung
	case StateActive:
		return nil
	}

	if !d.everStarted {
		d.store.Reset()
		d.tracker = timestamp.NewTracker(memstore.MaxSlots)
		d.everStarted = true
	}

	d.active = nil

	if err := d.start(); err != nil {
		return err
	}

	d.state = StateActive
	d.logger.Printf("%s: started %s (%s)", d.name, d.chip.Rev,
		d.chip.Generation.Name())

	return nil
}

// Stop halts the ring and powers the GPU down. Commands not yet executed are
// lost.
func (d *Device) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.acquireRing()
	defer d.releaseRing()

	if d.state != StateActive {
		return
	}

	d.stop()
	d.active = nil
	d.state = StateInit
	d.cond.Broadcast()
}

// Close stops the device and frees its memory.
func (d *Device) Close() {
	d.Stop()

	d.lock.Lock()
	defer d.lock.Unlock()

	d.ring.Close()
	d.alloc.Free(d.store.Desc())
}

func (d *Device) start() error {
	if err := d.power.Enable(); err != nil {
		return fmt.Errorf("device: enabling power: %w", err)
	}

	chip, err := gpufamily.Identify(d.regs.Read(hw.RegChipID))
	if err != nil {
		d.power.Disable()
		return err
	}

	if chip.Rev != d.chip.Rev {
		d.power.Disable()
		return fmt.Errorf("device: chip changed from %s to %s",
			d.chip.Rev, chip.Rev)
	}

	if err := d.mmu.Start(); err != nil {
		d.power.Disable()
		return fmt.Errorf("device: starting mmu: %w", err)
	}

	d.mmu.SetPageTable(hw.DefaultPageTable)
	d.power.SetIRQ(true)

	if err := d.ring.Start(); err != nil {
		d.stop()
		return fmt.Errorf("device: starting ring: %w", err)
	}

	return nil
}

func (d *Device) stop() {
	d.ring.Stop()
	d.power.SetIRQ(false)
	d.mmu.Stop()
	d.power.Disable()
}

// acquireRing waits until no one else owns the ring and takes it. The lock
// must be held.
func (d *Device) acquireRing() {
	for d.ringBusy {
		d.cond.Wait()
	}

	d.ringBusy = true
}

func (d *Device) releaseRing() {
	d.ringBusy = false
	d.cond.Broadcast()
}

// sleepUnlocked sleeps with the device lock released.
func (d *Device) sleepUnlocked(dur time.Duration) {
	d.lock.Unlock()
	defer d.lock.Lock()

	d.clock.Sleep(dur)
}

// Status is a summary of the device for reporting.
type Status struct {
	Name       string
	Chip       string
	Family     string
	State      string
	Started    bool
	RingSize   uint32
	Rptr       uint32
	Wptr       uint32
	Active     uint32
	Contexts   int
	Queued     uint32
	Consumed   uint32
	Retired    uint32
	Recoveries uint64
	Interrupts uint64
}

// Status returns a summary of the device.
func (d *Device) Status() Status {
	d.lock.Lock()
	defer d.lock.Unlock()

	s := Status{
		Name:       d.name,
		Chip:       d.chip.Rev.String(),
		Family:     d.chip.Generation.Name(),
		State:      d.state.String(),
		Started:    d.ring.Started(),
		RingSize:   d.ring.SizeDwords(),
		Rptr:       d.ring.Rptr(),
		Wptr:       d.ring.Wptr(),
		Contexts:   len(d.contexts),
		Queued:     d.tracker.Last(memstore.Global),
		Consumed:   d.regs.Read(hw.RegCPTimestamp),
		Retired:    d.store.Read(memstore.Global, memstore.EOPTimestamp),
		Recoveries: d.recoveryCount,
		Interrupts: d.interrupts.Load(),
	}

	if d.active != nil {
		s.Active = d.active.ID
	}

	return s
}

// RingView returns a copy of the ring.
func (d *Device) RingView() ringbuffer.View {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.ring.View()
}

// LastCapture returns the capture of the latest recovery attempt, or nil.
func (d *Device) LastCapture() *snapshot.Capture {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.lastCapture
}

// HandleInterrupt is called from the interrupt line. It disarms the
// timestamp comparison of the global slot and of the current context.
func (d *Device) HandleInterrupt() {
	d.interrupts.Add(1)

	d.store.Write(memstore.Global, memstore.TSCmpEnable, 0)

	cur := d.store.Read(memstore.Global, memstore.CurrentContext)
	if cur != memstore.Global && cur < memstore.MaxSlots {
		d.store.Write(cur, memstore.TSCmpEnable, 0)
	}
}

// Interrupts returns the number of interrupts handled.
func (d *Device) Interrupts() uint64 {
	return d.interrupts.Load()
}

// ringEnv lets the ring wait and recover through the device.
type ringEnv struct {
	d *Device
}

func (e ringEnv) Now() time.Time {
	return e.d.clock.Now()
}

func (e ringEnv) Sleep(dur time.Duration) {
	e.d.sleepUnlocked(dur)
}

func (e ringEnv) HangDetect(s *liveness.Sample) bool {
	return e.d.monitor.HangDetect(s)
}

func (e ringEnv) Recover() error {
	d := e.d

	if d.state != StateActive {
		return errStalled
	}

	if err := d.recoverOwned(); err != nil {
		return err
	}

	if d.submitting.hung() {
		return ErrDeadlock
	}

	if d.switched && d.active != d.submitting {
		return errReplayed
	}

	return nil
}

func (e ringEnv) Idle() error {
	return e.d.waitForIdle()
}
