package device

import (
	"fmt"
	"log"
	"os"
	"sync"

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

// A Builder can build devices.
type Builder struct {
	cfg      config.Config
	regs     hw.Registers
	firmware hw.FirmwareLoader
	power    hw.Power
	mmu      hw.MMU
	alloc    memory.Allocator
	clock    timing.Clock
	logger   *log.Logger
	sinks    []snapshot.Sink
	ids      idgen.Generator
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		cfg:    config.Default(),
		power:  noPower{},
		mmu:    noMMU{},
		clock:  timing.WallClock{},
		logger: log.New(os.Stderr, "cpring: ", log.LstdFlags),
		ids:    idgen.NewSequential("recovery-"),
	}
}

// WithConfig sets the configuration.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithRegisters sets the register file of the GPU.
func (b Builder) WithRegisters(regs hw.Registers) Builder {
	b.regs = regs
	return b
}

// WithFirmwareLoader sets where the microcode comes from.
func (b Builder) WithFirmwareLoader(l hw.FirmwareLoader) Builder {
	b.firmware = l
	return b
}

// WithPower sets the power controls of the GPU.
func (b Builder) WithPower(p hw.Power) Builder {
	b.power = p
	return b
}

// WithMMU sets the MMU of the GPU.
func (b Builder) WithMMU(m hw.MMU) Builder {
	b.mmu = m
	return b
}

// WithAllocator sets the allocator of GPU visible memory.
func (b Builder) WithAllocator(a memory.Allocator) Builder {
	b.alloc = a
	return b
}

// WithClock sets the clock used by every polling loop.
func (b Builder) WithClock(c timing.Clock) Builder {
	b.clock = c
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithSnapshotSinks sets the sinks that receive a capture on every recovery
// attempt.
func (b Builder) WithSnapshotSinks(sinks ...snapshot.Sink) Builder {
	b.sinks = append([]snapshot.Sink(nil), sinks...)
	return b
}

// WithIDGenerator sets the generator of recovery ids.
func (b Builder) WithIDGenerator(g idgen.Generator) Builder {
	b.ids = g
	return b
}

// Build identifies the GPU, allocates the ring and the timestamp region and
// loads the firmware. The device starts in StateInit.
func (b Builder) Build(name string) (*Device, error) {
	if b.regs == nil || b.alloc == nil || b.firmware == nil {
		panic("device: registers, allocator and firmware loader are required")
	}

	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	chip, err := gpufamily.Identify(b.regs.Read(hw.RegChipID))
	if err != nil {
		return nil, err
	}

	d := &Device{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		cfg:          b.cfg,
		regs:         b.regs,
		power:        b.power,
		mmu:          b.mmu,
		firmware:     b.firmware,
		alloc:        b.alloc,
		clock:        b.clock,
		logger:       b.logger,
		sinks:        b.sinks,
		ids:          b.ids,
		chip:         chip,
		contexts:     make(map[uint32]*Context),
		tracker:      timestamp.NewTracker(memstore.MaxSlots),
		policy:       recovery.Policy{MaxAttempts: b.cfg.MaxRecoveryAttempts},
	}
	d.cond = sync.NewCond(&d.lock)

	d.monitor = &liveness.Monitor{
		Regs:           b.regs,
		Gen:            chip.Generation,
		FastHangDetect: b.cfg.FastHangDetect,
		StableRounds:   b.cfg.HangStableRounds,
	}

	d.validator = &pm4.Validator{
		Regions: b.alloc,
		Level:   b.cfg.IBCheckLevel,
		Logger:  b.logger,
	}

	d.store, err = memstore.New(b.alloc)
	if err != nil {
		return nil, fmt.Errorf("device: allocating memstore: %w", err)
	}

	d.ring, err = ringbuffer.New(ringbuffer.Config{
		SizeDwords:   b.cfg.RingSizeDwords(),
		IdleTimeout:  b.cfg.IdleTimeout,
		TimeoutPart:  b.cfg.TimeoutPart,
		PollInterval: b.cfg.PollInterval,
		ScratchAddr:  d.store.Addr(memstore.Global, memstore.SOPTimestamp),
	}, b.regs, b.alloc, chip.Generation, ringEnv{d})
	if err != nil {
		b.alloc.Free(d.store.Desc())
		return nil, err
	}

	if err := d.loadFirmware(); err != nil {
		d.ring.Close()
		b.alloc.Free(d.store.Desc())

		return nil, err
	}

	return d, nil
}

func (d *Device) loadFirmware() error {
	pm4Blob, err := d.firmware.Load(d.chip.PM4Firmware)
	if err != nil {
		return fmt.Errorf("device: loading %s: %w", d.chip.PM4Firmware, err)
	}

	pfpBlob, err := d.firmware.Load(d.chip.PFPFirmware)
	if err != nil {
		return fmt.Errorf("device: loading %s: %w", d.chip.PFPFirmware, err)
	}

	fw, err := ringbuffer.ParseFirmware(pm4Blob, pfpBlob)
	if err != nil {
		return err
	}

	d.ring.SetFirmware(fw)

	return nil
}

type noPower struct{}

func (noPower) Enable() error  { return nil }
func (noPower) Disable()       {}
func (noPower) SetIRQ(on bool) {}

type noMMU struct{}

func (noMMU) Start() error           { return nil }
func (noMMU) Stop()                  {}
func (noMMU) SetPageTable(pt uint32) {}
