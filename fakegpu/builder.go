package fakegpu

import (
	"fmt"
	"strings"

	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/memory"
	"github.com/sarchlab/cpring/timing"
)

// Chip ids of the families the simulator can pose as.
var (
	ChipA220 = gpufamily.ChipID(2, 1, 0, 0)
	ChipA320 = gpufamily.ChipID(3, 2, 0, 0)
)

// ChipForFamily returns the chip id used for a family name, "a2xx" or
// "a3xx".
func ChipForFamily(family string) (uint32, error) {
	switch strings.ToLower(family) {
	case "a2xx":
		return ChipA220, nil
	case "a3xx", "":
		return ChipA320, nil
	}

	return 0, fmt.Errorf("fakegpu: unknown family %q", family)
}

// A Builder can build simulated GPUs.
type Builder struct {
	engine     *timing.SerialEngine
	chipID     uint32
	memorySize uint64
	gpuBase    uint32
	tickCycles timing.VTimeInCycle
	pm4Version uint32
	pfpVersion uint32
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		chipID:     ChipA320,
		memorySize: 16 << 20,
		gpuBase:    0x10000000,
		tickCycles: 100,
		pm4Version: 0x3FF037,
		pfpVersion: 0x3FF016,
	}
}

// WithEngine sets the engine that paces the command processor.
func (b Builder) WithEngine(e *timing.SerialEngine) Builder {
	b.engine = e
	return b
}

// WithChipID sets the id the chip reports.
func (b Builder) WithChipID(id uint32) Builder {
	b.chipID = id
	return b
}

// WithMemorySize sets the size of the shared memory in bytes.
func (b Builder) WithMemorySize(n uint64) Builder {
	b.memorySize = n
	return b
}

// WithGPUBase sets the GPU address of the first byte of memory.
func (b Builder) WithGPUBase(addr uint32) Builder {
	b.gpuBase = addr
	return b
}

// WithTickCycles sets how many cycles the command processor spends on one
// packet.
func (b Builder) WithTickCycles(n timing.VTimeInCycle) Builder {
	b.tickCycles = n
	return b
}

// WithFirmwareVersions sets the versions baked into the served firmware.
func (b Builder) WithFirmwareVersions(pm4, pfp uint32) Builder {
	b.pm4Version = pm4
	b.pfpVersion = pfp

	return b
}

// Build creates the GPU.
func (b Builder) Build(name string) (*GPU, error) {
	if b.engine == nil {
		panic("fakegpu: engine is required")
	}

	chip, err := gpufamily.Identify(b.chipID)
	if err != nil {
		return nil, err
	}

	if b.tickCycles == 0 {
		b.tickCycles = 1
	}

	g := &GPU{
		name:       name,
		engine:     b.engine,
		chipID:     b.chipID,
		chip:       chip,
		alloc:      memory.NewLinearAllocator(memory.NewStorage(b.memorySize), b.gpuBase),
		tickCycles: b.tickCycles,
		pm4Version: b.pm4Version,
		pfpVersion: b.pfpVersion,
		regs:       make(map[uint32]uint32),
		faults:     make(map[uint32]bool),
	}

	return g, nil
}
