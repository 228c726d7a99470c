// Package gpufamily captures what differs between the supported GPU
// generations and identifies a chip from its id.
package gpufamily

import (
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/pm4"
)

// A Generation is the set of per-generation capabilities the ring, the
// submission path and the liveness monitor consult. Exactly one variant is
// chosen when the chip is identified.
type Generation interface {
	// Name returns a short family name such as "a3xx".
	Name() string

	// StatusRegister is the register that reports whether the GPU is busy.
	StatusRegister() uint32

	// IsIdleStatus interprets a value read from StatusRegister.
	IsIdleStatus(status uint32) bool

	// PFPUcodeRegisters returns the address and data registers used to
	// upload the prefetch parser firmware.
	PFPUcodeRegisters() (addr, data uint32)

	// ProgramRing writes generation specific ring registers before the
	// firmware is loaded. wptrPollAddr is where the GPU may poll the write
	// pointer.
	ProgramRing(regs hw.Registers, wptrPollAddr uint32)

	// RingControl returns the value for the ring control register.
	RingControl(sizeDwords uint32) uint32

	// MEInit returns the micro engine initialization packet.
	MEInit() []uint32

	// PostTimestamp returns the packets written right after the
	// CP_TIMESTAMP update of each entry.
	PostTimestamp() []uint32

	// Epilogue returns the packets that close each entry.
	Epilogue() []uint32
}

// ringControl builds the CP_RB_CNTL value: buffer size as log2 of quad
// words, and a fixed fetch block size.
func ringControl(sizeDwords uint32, pollEnable bool) uint32 {
	bufsz := uint32(0)
	for v := sizeDwords >> 1; v > 1; v >>= 1 {
		bufsz++
	}

	const blksz = 1 // log2(16 bytes / 8)

	v := bufsz&0x3F | (blksz << 8)
	if pollEnable {
		v |= 1 << 20
	}

	return v
}

// RingSizeFromControl is the inverse of the size encoding in RingControl.
func RingSizeFromControl(cntl uint32) uint32 {
	return 2 << (cntl & 0x3F)
}

// A2XX is the older generation.
type A2XX struct{}

// Registers specific to A2XX.
const (
	A2XXRegRBBMStatus  uint32 = 0x05D0
	A2XXRegPFPUcodeAdr uint32 = 0x00C0
	A2XXRegPFPUcodeDat uint32 = 0x00C1
	A2XXRegCPRBWptrBas uint32 = 0x01C7
	A2XXRegCPIntAck    uint32 = 0x01F4

	a2xxIdleStatus uint32 = 0x110
)

// Name implements Generation.
func (A2XX) Name() string { return "a2xx" }

// StatusRegister implements Generation.
func (A2XX) StatusRegister() uint32 { return A2XXRegRBBMStatus }

// IsIdleStatus reports whether only the always-on bits are set.
func (A2XX) IsIdleStatus(status uint32) bool { return status == a2xxIdleStatus }

// PFPUcodeRegisters implements Generation.
func (A2XX) PFPUcodeRegisters() (uint32, uint32) {
	return A2XXRegPFPUcodeAdr, A2XXRegPFPUcodeDat
}

// ProgramRing sets up write pointer polling and clears pending interrupts.
func (A2XX) ProgramRing(regs hw.Registers, wptrPollAddr uint32) {
	regs.Write(A2XXRegCPRBWptrBas, wptrPollAddr)
	regs.Write(hw.RegCPRBWptrDelay, 0)
	regs.Write(A2XXRegCPIntAck, 0xFFFFFFFF)
}

// RingControl implements Generation.
func (A2XX) RingControl(sizeDwords uint32) uint32 {
	return ringControl(sizeDwords, false)
}

// MEInit implements Generation.
func (A2XX) MEInit() []uint32 {
	return []uint32{
		pm4.Type3Packet(pm4.OpMEInit, 18),
		0x000003FF, 0x00000000, 0x00000000,
		0x00000000, 0x00000080, 0x00000100, 0x00000180,
		0x00000200, 0x00000280, 0x00000300, 0x00000380,
		0x01800000, 0x00000001, 0x00000000, 0x00000000,
		0x200001F2, 0x00000000, 0x00000000,
	}
}

// PostTimestamp implements Generation. A2XX needs nothing extra.
func (A2XX) PostTimestamp() []uint32 { return nil }

// Epilogue implements Generation. A2XX needs nothing extra.
func (A2XX) Epilogue() []uint32 { return nil }

// A3XX is the newer generation.
type A3XX struct{}

// Registers specific to A3XX.
const (
	A3XXRegRBBMStatus       uint32 = 0x0030
	A3XXRegPFPUcodeAdr      uint32 = 0x01C9
	A3XXRegPFPUcodeDat      uint32 = 0x01CA
	A3XXRegCPProtectCtrl    uint32 = 0x045E
	A3XXRegCPProtect0       uint32 = 0x0460
	A3XXRegCPQueueThreshold uint32 = 0x01D5
	A3XXRegHLSQClKernelX    uint32 = 0x2210

	a3xxBusyBit uint32 = 0x80000000
)

var a3xxProtect = []uint32{
	0x63000040, 0x62000080, 0x600000CC, 0x60000108, 0x64000140,
	0x66000400, 0x65000700, 0x610007D8, 0x620007E0, 0x61001178,
	0x64001180, 0x60003300, 0x6B00C000,
}

// Name implements Generation.
func (A3XX) Name() string { return "a3xx" }

// StatusRegister implements Generation.
func (A3XX) StatusRegister() uint32 { return A3XXRegRBBMStatus }

// IsIdleStatus reports whether the GPU busy bit is clear.
func (A3XX) IsIdleStatus(status uint32) bool { return status&a3xxBusyBit == 0 }

// PFPUcodeRegisters implements Generation.
func (A3XX) PFPUcodeRegisters() (uint32, uint32) {
	return A3XXRegPFPUcodeAdr, A3XXRegPFPUcodeDat
}

// ProgramRing enables register protection and tunes queue thresholds.
func (A3XX) ProgramRing(regs hw.Registers, _ uint32) {
	regs.Write(A3XXRegCPProtectCtrl, 0x00000007)
	for i, v := range a3xxProtect {
		regs.Write(A3XXRegCPProtect0+uint32(i), v)
	}
	regs.Write(A3XXRegCPQueueThreshold, 0x000E0602)
}

// RingControl implements Generation.
func (A3XX) RingControl(sizeDwords uint32) uint32 {
	return ringControl(sizeDwords, false)
}

// MEInit implements Generation. Protected mode control is left off.
func (A3XX) MEInit() []uint32 {
	return []uint32{
		pm4.Type3Packet(pm4.OpMEInit, 17),
		0x000003F7, 0x00000000, 0x00000000, 0x00000000,
		0x00000080, 0x00000100, 0x00000180, 0x00006600,
		0x00000150, 0x0000014E, 0x00000154, 0x00000001,
		0x00000000, 0x00000000,
		0x00000000, 0x00000000, 0x00000000,
	}
}

// PostTimestamp flushes caches and waits for idle so the timestamp write
// lands after all prior work.
func (A3XX) PostTimestamp() []uint32 {
	return []uint32{
		pm4.Type3Packet(pm4.OpEventWrite, 1), pm4.EventCacheFlush,
		pm4.Type3Packet(pm4.OpWaitForIdle, 1), 0,
	}
}

// Epilogue clears a compute dispatch constant left behind by clients.
func (A3XX) Epilogue() []uint32 {
	return []uint32{
		pm4.Type3Packet(pm4.OpSetConstant, 2),
		(0x4 << 16) | (A3XXRegHLSQClKernelX - 0x2000),
		0,
	}
}

var (
	_ Generation = A2XX{}
	_ Generation = A3XX{}
)
