// Package pm4 encodes and decodes the command processor's packet stream and
// validates client indirect buffers.
package pm4

// Packet types, taken from the top two bits of a header.
const (
	Type0 uint32 = 0x00000000
	Type1 uint32 = 0x40000000
	Type2 uint32 = 0x80000000
	Type3 uint32 = 0xC0000000

	typeMask uint32 = 0xC0000000
)

// Type3 opcodes.
const (
	OpMEInit              uint32 = 0x48
	OpNop                 uint32 = 0x10
	OpIndirectBufferPFD   uint32 = 0x37
	OpIndirectBufferPFE   uint32 = 0x3F
	OpCondIndirectBufPFE  uint32 = 0x3A
	OpWaitForIdle         uint32 = 0x26
	OpWaitRegMem          uint32 = 0x3C
	OpWaitRegEq           uint32 = 0x52
	OpWaitRegGte          uint32 = 0x53
	OpWaitUntilRead       uint32 = 0x5C
	OpWaitIBPFDComplete   uint32 = 0x5D
	OpRegRMW              uint32 = 0x21
	OpRegToMem            uint32 = 0x3E
	OpMemWrite            uint32 = 0x3D
	OpMemWriteCnt         uint32 = 0x4F
	OpCondExec            uint32 = 0x44
	OpCondWrite           uint32 = 0x45
	OpEventWrite          uint32 = 0x46
	OpEventWriteSHD       uint32 = 0x58
	OpEventWriteCFL       uint32 = 0x59
	OpEventWriteZPD       uint32 = 0x5B
	OpDrawIndx            uint32 = 0x22
	OpDrawIndx2           uint32 = 0x36
	OpDrawIndxBin         uint32 = 0x34
	OpDrawIndx2Bin        uint32 = 0x35
	OpVizQuery            uint32 = 0x23
	OpSetState            uint32 = 0x25
	OpSetConstant         uint32 = 0x2D
	OpImLoad              uint32 = 0x27
	OpImLoadImmediate     uint32 = 0x2B
	OpLoadConstantContext uint32 = 0x2E
	OpInvalidateState     uint32 = 0x3B
	OpSetShaderBases      uint32 = 0x4A
	OpSetBinMask          uint32 = 0x50
	OpSetBinSelect        uint32 = 0x51
	OpContextUpdate       uint32 = 0x5E
	OpInterrupt           uint32 = 0x40
	OpImStore             uint32 = 0x2C
	OpSetBinBaseOffset    uint32 = 0x4B
	OpSetProtectedMode    uint32 = 0x5F
	OpWaitForME           uint32 = 0x13
	OpLoadState           uint32 = 0x30
	OpCondIndirectBufPFD  uint32 = 0x32
	OpSetBinData          uint32 = 0x2F
)

// Event identifiers written by OpEventWrite.
const (
	EventCacheFlushTS uint32 = 4
	EventCacheFlush   uint32 = 0x07
)

// InterruptRingBuffer is the payload of OpInterrupt that raises the ring
// buffer interrupt.
const InterruptRingBuffer uint32 = 0x80000000

// Sentinel words that mark the structure of a command entry. They sit in the
// payload of a one word nop packet so that the hardware ignores them.
const (
	ContextToMemIdentifier uint32 = 0x2EADBEEF
	CmdIdentifier          uint32 = 0x2EEDFACE
	StartOfIBIdentifier    uint32 = 0x2EADEABE
	EndOfIBIdentifier      uint32 = 0x2ABEDEAD
)

// PacketType returns the packet type bits of a header.
func PacketType(header uint32) uint32 {
	return header & typeMask
}

// Type0Packet encodes a header that writes cnt consecutive registers
// starting at reg.
func Type0Packet(reg uint32, cnt uint32) uint32 {
	return Type0 | ((cnt - 1) << 16) | (reg & 0x7FFF)
}

// Type3Packet encodes a header for opcode op followed by cnt payload words.
func Type3Packet(op uint32, cnt uint32) uint32 {
	return Type3 | ((cnt - 1) << 16) | ((op & 0xFF) << 8)
}

// NopPacket encodes a nop whose cnt payload words are skipped.
func NopPacket(cnt uint32) uint32 {
	return Type3Packet(OpNop, cnt)
}

// Opcode returns the opcode of a type3 header.
func Opcode(header uint32) uint32 {
	return (header >> 8) & 0xFF
}

// Type3Count returns the payload length of a type3 header.
func Type3Count(header uint32) uint32 {
	return ((header >> 16) & 0x3FFF) + 1
}

// Type0Count returns the number of registers a type0 header writes.
func Type0Count(header uint32) uint32 {
	return ((header >> 16) & 0x3FFF) + 1
}

// Type0Register returns the first register of a type0 header.
func Type0Register(header uint32) uint32 {
	return header & 0x7FFF
}

// PacketLength returns the total number of words of the packet that starts
// with header, header included. Type2 packets are one word.
func PacketLength(header uint32) uint32 {
	switch PacketType(header) {
	case Type0:
		return Type0Count(header) + 1
	case Type1:
		return 2
	case Type2:
		return 1
	default:
		return Type3Count(header) + 1
	}
}

// IBHeader is the header that starts an indirect buffer packet through the
// prefetch parser: header, GPU address, size in words.
var IBHeader = Type3Packet(OpIndirectBufferPFD, 2)

// IBPacket encodes a complete indirect buffer packet.
func IBPacket(gpuAddr uint32, sizeDwords uint32) []uint32 {
	return []uint32{IBHeader, gpuAddr, sizeDwords}
}

// MemWritePacket writes value to gpuAddr when executed.
func MemWritePacket(gpuAddr uint32, value uint32) []uint32 {
	return []uint32{Type3Packet(OpMemWrite, 2), gpuAddr, value}
}

// MemWriteHeader is the header of a single word memory write.
var MemWriteHeader = Type3Packet(OpMemWrite, 2)

// CacheFlushTSPacket flushes caches, then writes value to gpuAddr.
func CacheFlushTSPacket(gpuAddr uint32, value uint32) []uint32 {
	return []uint32{Type3Packet(OpEventWrite, 3), EventCacheFlushTS, gpuAddr, value}
}

// RegWritePacket writes value to reg.
func RegWritePacket(reg uint32, value uint32) []uint32 {
	return []uint32{Type0Packet(reg, 1), value}
}

// ProtectedModePacket switches register protection.
func ProtectedModePacket(on bool) []uint32 {
	v := uint32(0)
	if on {
		v = 1
	}

	return []uint32{Type3Packet(OpSetProtectedMode, 1), v}
}

// CondExecPacket executes the next execCount words only when the word at
// enableAddr is non-zero and the word at refAddr is not after ts.
func CondExecPacket(enableAddr, refAddr, ts, execCount uint32) []uint32 {
	return []uint32{
		Type3Packet(OpCondExec, 4),
		enableAddr >> 2,
		refAddr >> 2,
		ts,
		execCount,
	}
}

// InterruptPacket raises the ring buffer interrupt.
func InterruptPacket() []uint32 {
	return []uint32{Type3Packet(OpInterrupt, 1), InterruptRingBuffer}
}

// IsIBOpcode reports whether opcode jumps into an indirect buffer.
func IsIBOpcode(op uint32) bool {
	switch op {
	case OpIndirectBufferPFD, OpIndirectBufferPFE,
		OpCondIndirectBufPFE, OpCondIndirectBufPFD:
		return true
	}

	return false
}
