package fakegpu

import (
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/memory"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/ringbuffer"
	"github.com/sarchlab/cpring/timing"
)

var _ = Describe("GPU", func() {
	const ringSize = 64

	var (
		engine  *timing.SerialEngine
		g       *GPU
		ring    *memory.MemDesc
		rptrMem *memory.MemDesc
		data    *memory.MemDesc
		wptr    uint32
	)

	push := func(words ...uint32) {
		ring.WriteWords(wptr*4, words)
		wptr += uint32(len(words))
	}

	submit := func() {
		g.Write(hw.RegCPRBWptr, wptr)
		Expect(engine.Run()).To(Succeed())
	}

	BeforeEach(func() {
		var err error

		engine = timing.NewSerialEngine()
		g, err = MakeBuilder().WithEngine(engine).Build("GPU")
		Expect(err).NotTo(HaveOccurred())

		ring, err = g.Allocator().Alloc(ringSize * 4)
		Expect(err).NotTo(HaveOccurred())
		rptrMem, err = g.Allocator().Alloc(8)
		Expect(err).NotTo(HaveOccurred())
		data, err = g.Allocator().Alloc(64)
		Expect(err).NotTo(HaveOccurred())

		wptr = 0

		Expect(g.Enable()).To(Succeed())
		g.SetIRQ(true)
		g.Write(hw.RegCPRBCntl, gpufamily.A3XX{}.RingControl(ringSize))
		g.Write(hw.RegCPRBBase, ring.GPUAddr)
		g.Write(hw.RegCPRBRptrAddr, rptrMem.GPUAddr)
		g.Write(hw.RegCPMECntl, 0)
	})

	It("should identify as the configured chip", func() {
		Expect(g.Read(hw.RegChipID)).To(Equal(ChipA320))

		chip, err := gpufamily.Identify(g.Read(hw.RegChipID))
		Expect(err).NotTo(HaveOccurred())
		Expect(chip.Rev).To(Equal(gpufamily.RevA320))
	})

	It("should execute writes and advance rptr", func() {
		push(pm4.NopPacket(1), pm4.CmdIdentifier)
		push(pm4.RegWritePacket(hw.RegCPTimestamp, 7)...)
		push(pm4.MemWritePacket(data.GPUAddr, 0x1234)...)
		push(pm4.CacheFlushTSPacket(data.GPUAddr+4, 9)...)
		submit()

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(wptr))
		Expect(rptrMem.ReadWord(0)).To(Equal(wptr))
		Expect(g.Read(hw.RegCPTimestamp)).To(Equal(uint32(7)))
		Expect(data.ReadWord(0)).To(Equal(uint32(0x1234)))
		Expect(data.ReadWord(4)).To(Equal(uint32(9)))
		Expect(g.Read(gpufamily.A3XXRegRBBMStatus)).To(Equal(uint32(0)))
	})

	It("should stall on a write to unmapped memory until halted", func() {
		push(pm4.MemWritePacket(data.GPUAddr, 1)...)
		faulting := wptr
		push(pm4.MemWritePacket(0x100, 2)...)
		push(pm4.MemWritePacket(data.GPUAddr+4, 3)...)
		submit()

		Expect(g.Stats().PageFaults).To(Equal(uint64(1)))
		Expect(g.FaultAddr()).To(Equal(uint32(0x100)))
		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(faulting))
		Expect(data.ReadWord(0)).To(Equal(uint32(1)))
		Expect(data.ReadWord(4)).To(BeZero())
		Expect(g.Read(gpufamily.A3XXRegRBBMStatus)).NotTo(BeZero())

		g.Write(hw.RegCPMECntl, hw.CPMEHalt)
		Expect(g.Read(hw.RegCPRBRptr)).To(BeZero())
	})

	It("should raise the interrupt only when the comparison passes", func() {
		raised := 0
		g.OnInterrupt(func() { raised++ })

		enable, ref := data.GPUAddr, data.GPUAddr+4

		push(pm4.CondExecPacket(enable, ref, 5, 2)...)
		push(pm4.InterruptPacket()...)
		submit()
		Expect(raised).To(Equal(0))

		data.WriteWord(0, 1)
		data.WriteWord(4, 5)
		push(pm4.CondExecPacket(enable, ref, 5, 2)...)
		push(pm4.InterruptPacket()...)
		submit()
		Expect(raised).To(Equal(1))
		Expect(g.Stats().Interrupts).To(Equal(uint64(1)))
	})

	It("should wrap over a filler nop", func() {
		g.Write(hw.RegCPRBRptr, 60)
		wptr = 60
		push(pm4.NopPacket(ringSize - 60 - 1))

		g.Write(hw.RegCPRBWptr, 0)
		Expect(engine.Run()).To(Succeed())

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(0)))
	})

	It("should stall on a faulted indirect buffer until halted", func() {
		g.InjectIBFault(0xA000, false)

		push(pm4.IBPacket(0xA000, 16)...)
		push(pm4.MemWritePacket(data.GPUAddr, 1)...)
		submit()

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(0)))
		Expect(g.Read(hw.RegCPIB1Base)).To(Equal(uint32(0xA000)))
		Expect(g.Read(hw.RegCPIB1BufSz)).To(Equal(uint32(16)))
		Expect(g.Read(gpufamily.A3XXRegRBBMStatus)).To(Equal(uint32(0x80000000)))
		Expect(data.ReadWord(0)).To(Equal(uint32(0)))

		g.Write(hw.RegCPMECntl, hw.CPMEHalt)
		g.Write(hw.RegCPMECntl, 0)
		wptr = 0
		push(pm4.IBPacket(0xA000, 16)...)
		submit()

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(3)))
		Expect(g.Stats().IBs).To(Equal(uint64(1)))
	})

	It("should keep a persistent fault across halts", func() {
		g.InjectIBFault(0xA000, true)
		g.Write(hw.RegCPMECntl, hw.CPMEHalt)
		g.Write(hw.RegCPMECntl, 0)

		push(pm4.IBPacket(0xA000, 16)...)
		submit()

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(0)))

		g.ClearFaults()
		Expect(engine.Run()).To(Succeed())
		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(3)))
	})

	It("should make no progress while frozen", func() {
		g.Freeze(false)

		push(pm4.NopPacket(1), pm4.CmdIdentifier)
		submit()

		Expect(g.Read(hw.RegCPRBRptr)).To(Equal(uint32(0)))
		Expect(g.Read(gpufamily.A3XXRegRBBMStatus)).To(Equal(uint32(0x80000000)))
	})

	It("should serve firmware the ring accepts", func() {
		chip, _ := gpufamily.Identify(ChipA320)

		pm4Blob, err := g.Load(chip.PM4Firmware)
		Expect(err).NotTo(HaveOccurred())
		pfpBlob, err := g.Load(chip.PFPFirmware)
		Expect(err).NotTo(HaveOccurred())

		fw, err := ringbuffer.ParseFirmware(pm4Blob, pfpBlob)
		Expect(err).NotTo(HaveOccurred())
		Expect(fw.PM4Version).To(Equal(uint32(0x3FF037)))
		Expect(fw.PFPVersion).To(Equal(uint32(0x3FF016)))

		_, err = g.Load("missing.fw")
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})

	It("should report the a2xx idle pattern", func() {
		g2, err := MakeBuilder().
			WithEngine(engine).
			WithChipID(ChipA220).
			Build("GPU2")
		Expect(err).NotTo(HaveOccurred())

		Expect(g2.Read(gpufamily.A2XXRegRBBMStatus)).To(Equal(uint32(0x110)))
	})
})

var _ = Describe("ChipForFamily", func() {
	It("should map family names to chips", func() {
		Expect(ChipForFamily("a2xx")).To(Equal(ChipA220))
		Expect(ChipForFamily("A3XX")).To(Equal(ChipA320))

		_, err := ChipForFamily("a6xx")
		Expect(err).To(HaveOccurred())
	})
})
