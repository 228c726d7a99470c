// Package fakegpu simulates a command processor, its register file and the
// memory it shares with the host. Faults can be injected to make it hang.
package fakegpu

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/memory"
	"github.com/sarchlab/cpring/timing"
)

// Status register values.
const (
	a2xxIdle uint32 = 0x00000110
	busyBit  uint32 = 0x80000000
)

// Stats counts what the command processor did.
type Stats struct {
	Packets    uint64
	IBs        uint64
	Interrupts uint64
	Halts      uint64
	PageFaults uint64
}

// A GPU is a simulated command processor. It implements hw.Registers,
// hw.Power, hw.MMU and hw.FirmwareLoader.
type GPU struct {
	name       string
	engine     *timing.SerialEngine
	chipID     uint32
	chip       *gpufamily.Chip
	alloc      *memory.LinearAllocator
	tickCycles timing.VTimeInCycle
	pm4Version uint32
	pfpVersion uint32

	lock      sync.Mutex
	regs      map[uint32]uint32
	powered   bool
	irq       bool
	mmuOn     bool
	pageTable uint32
	running   bool
	ticking   bool
	rptr      uint32
	wptr      uint32

	meRAMWords  int
	pfpRAMWords int
	loadedPM4   uint32
	loadedPFP   uint32

	faults           map[uint32]bool
	stalled          bool
	faultAddr        uint32
	frozen           bool
	frozenPersistent bool

	onInterrupt []func()
	stats       Stats
}

// Name returns the name of the GPU.
func (g *GPU) Name() string {
	return g.name
}

// Allocator returns the allocator of the shared memory.
func (g *GPU) Allocator() *memory.LinearAllocator {
	return g.alloc
}

// Engine returns the engine that paces the GPU.
func (g *GPU) Engine() *timing.SerialEngine {
	return g.engine
}

// OnInterrupt registers a callback for the interrupt line. Callbacks run on
// the engine, outside of the GPU lock.
func (g *GPU) OnInterrupt(cb func()) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.onInterrupt = append(g.onInterrupt, cb)
}

// Stats returns the counters of the command processor.
func (g *GPU) Stats() Stats {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.stats
}

// FaultAddr returns the address of the latest page fault.
func (g *GPU) FaultAddr() uint32 {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.faultAddr
}

// PageTable returns the bound page table.
func (g *GPU) PageTable() uint32 {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.pageTable
}

// FirmwareVersions returns the versions of the microcode last loaded
// through the registers.
func (g *GPU) FirmwareVersions() (pm4, pfp uint32) {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.loadedPM4, g.loadedPFP
}

// Read implements hw.Registers.
func (g *GPU) Read(reg uint32) uint32 {
	g.lock.Lock()
	defer g.lock.Unlock()

	switch reg {
	case hw.RegChipID:
		return g.chipID
	case g.chip.Generation.StatusRegister():
		return g.status()
	case hw.RegCPRBRptr:
		return g.rptr
	case hw.RegCPRBWptr:
		return g.wptr
	}

	return g.regs[reg]
}

func (g *GPU) status() uint32 {
	idle := uint32(0)
	if _, ok := g.chip.Generation.(gpufamily.A2XX); ok {
		idle = a2xxIdle
	}

	if g.busy() {
		return idle | busyBit
	}

	return idle
}

func (g *GPU) busy() bool {
	return g.running && (g.rptr != g.wptr || g.stalled || g.frozen)
}

// Write implements hw.Registers.
func (g *GPU) Write(reg uint32, value uint32) {
	g.lock.Lock()
	defer g.lock.Unlock()

	pfpAddr, pfpData := g.chip.Generation.PFPUcodeRegisters()

	switch reg {
	case hw.RegCPRBWptr:
		g.wptr = value
		g.kick()
	case hw.RegCPRBRptr:
		g.rptr = value
		g.writeBackRptr()
	case hw.RegCPMECntl:
		if value&hw.CPMEHalt != 0 {
			g.halt()
		} else {
			g.running = true
			g.kick()
		}
	case hw.RegCPMERAMWAddr:
		g.meRAMWords = 0
	case hw.RegCPMERAMData:
		if g.meRAMWords == 0 {
			g.loadedPM4 = value
		}
		g.meRAMWords++
	case pfpAddr:
		g.pfpRAMWords = 0
	case pfpData:
		if g.pfpRAMWords == 4 {
			g.loadedPFP = value
		}
		g.pfpRAMWords++
	}

	g.regs[reg] = value
}

// halt stops the micro engine and resets the ring cursors. Faults that are
// not persistent go away.
func (g *GPU) halt() {
	g.running = false
	g.stalled = false
	g.rptr = 0
	g.wptr = 0
	g.regs[hw.RegCPIB1BufSz] = 0
	g.regs[hw.RegCPIB2BufSz] = 0
	g.stats.Halts++

	if !g.frozenPersistent {
		g.frozen = false
	}

	for addr, persistent := range g.faults {
		if !persistent {
			delete(g.faults, addr)
		}
	}
}

// Enable implements hw.Power.
func (g *GPU) Enable() error {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.powered = true

	return nil
}

// Disable implements hw.Power.
func (g *GPU) Disable() {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.powered = false
	g.running = false
}

// SetIRQ implements hw.Power.
func (g *GPU) SetIRQ(on bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.irq = on
}

// Start implements hw.MMU.
func (g *GPU) Start() error {
	g.lock.Lock()
	defer g.lock.Unlock()

	if !g.powered {
		return fmt.Errorf("fakegpu: %s: mmu started without power", g.name)
	}

	g.mmuOn = true

	return nil
}

// Stop implements hw.MMU.
func (g *GPU) Stop() {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.mmuOn = false
}

// SetPageTable implements hw.MMU.
func (g *GPU) SetPageTable(pt uint32) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.pageTable = pt
}

// Load implements hw.FirmwareLoader. It serves the two images the chip
// asks for.
func (g *GPU) Load(name string) ([]byte, error) {
	switch name {
	case g.chip.PM4Firmware:
		words := make([]uint32, 3*16+1)
		words[1] = g.pm4Version

		return wordsToBytes(words), nil
	case g.chip.PFPFirmware:
		words := make([]uint32, 64)
		words[5] = g.pfpVersion

		return wordsToBytes(words), nil
	}

	return nil, fmt.Errorf("fakegpu: firmware %s: %w", name, os.ErrNotExist)
}

func wordsToBytes(words []uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}

	return b
}

// InjectIBFault makes the command processor stall when it jumps into the
// indirect buffer at addr. A fault that is not persistent is cleared by the
// next halt of the micro engine.
func (g *GPU) InjectIBFault(addr uint32, persistent bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.faults[addr] = persistent
}

// Freeze stops all progress. A freeze that is not persistent is cleared by
// the next halt of the micro engine.
func (g *GPU) Freeze(persistent bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.frozen = true
	g.frozenPersistent = persistent
}

// ClearFaults removes every injected fault and resumes progress.
func (g *GPU) ClearFaults() {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.faults = make(map[uint32]bool)
	g.frozen = false
	g.frozenPersistent = false
	g.stalled = false
	g.regs[hw.RegCPIB1BufSz] = 0
	g.kick()
}

var (
	_ hw.Registers      = (*GPU)(nil)
	_ hw.Power          = (*GPU)(nil)
	_ hw.MMU            = (*GPU)(nil)
	_ hw.FirmwareLoader = (*GPU)(nil)
)
