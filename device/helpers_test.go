package device_test

import (
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/config"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/fakegpu"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/sarchlab/cpring/timing"
)

type rig struct {
	engine *timing.SerialEngine
	gpu    *fakegpu.GPU
	dev    *device.Device
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RingSizeBytes = 1024

	return cfg
}

func newRig(cfg config.Config, sinks ...snapshot.Sink) *rig {
	return newRigWithChip(cfg, fakegpu.ChipA320, sinks...)
}

func newRigWithChip(
	cfg config.Config,
	chipID uint32,
	sinks ...snapshot.Sink,
) *rig {
	engine := timing.NewSerialEngine()

	gpu, err := fakegpu.MakeBuilder().
		WithEngine(engine).
		WithChipID(chipID).
		Build("GPU")
	Expect(err).NotTo(HaveOccurred())

	dev, err := device.MakeBuilder().
		WithConfig(cfg).
		WithRegisters(gpu).
		WithFirmwareLoader(gpu).
		WithPower(gpu).
		WithMMU(gpu).
		WithAllocator(gpu.Allocator()).
		WithClock(timing.NewSimClock(engine, timing.GHz)).
		WithLogger(log.New(GinkgoWriter, "", 0)).
		WithSnapshotSinks(sinks...).
		Build("GPU")
	Expect(err).NotTo(HaveOccurred())

	gpu.OnInterrupt(dev.HandleInterrupt)
	Expect(dev.Start()).To(Succeed())

	return &rig{engine: engine, gpu: gpu, dev: dev}
}

// newIB allocates an indirect buffer filled with nops.
func (r *rig) newIB(sizeDwords uint32) device.IB {
	desc, err := r.gpu.Allocator().Alloc(sizeDwords * 4)
	Expect(err).NotTo(HaveOccurred())

	for i := uint32(0); i < sizeDwords; i += 2 {
		desc.WriteWords(i*4, []uint32{pm4.NopPacket(1), 0})
	}

	return device.IB{GPUAddr: desc.GPUAddr, SizeDwords: sizeDwords}
}

func (r *rig) newContext(flags device.ContextFlags) uint32 {
	id, err := r.dev.CreateContext(flags, 0x100)
	Expect(err).NotTo(HaveOccurred())

	return id
}

func (r *rig) issue(id uint32, ibs ...device.IB) uint32 {
	ts, err := r.dev.IssueIBs(id, ibs, 0)
	Expect(err).NotTo(HaveOccurred())

	return ts
}
