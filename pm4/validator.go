package pm4

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/cpring/memory"
)

// Validation failures.
var (
	ErrUnmapped      = errors.New("pm4: no mapping for indirect buffer")
	ErrBadOpcode     = errors.New("pm4: bad CP opcode")
	ErrBadRegister   = errors.New("pm4: bad type0 register")
	ErrBadPacketType = errors.New("pm4: unexpected packet type")
	ErrBadCount      = errors.New("pm4: packet overruns buffer")
	ErrTooDeep       = errors.New("pm4: indirect buffers nested too deep")
)

// Check levels.
const (
	CheckOff  = 0
	CheckOn   = 1
	CheckDump = 2
)

// Lowest and one-past-highest registers a client may write.
const (
	firstClientReg uint32 = 0x0192
	regLimit       uint32 = 0x8000
)

const maxIBDepth = 8

// RegionFinder resolves GPU addresses to mapped regions.
type RegionFinder interface {
	Find(gpuAddr uint32, size uint32) (*memory.MemDesc, bool)
}

// A Validator walks client indirect buffers before they reach the ring.
type Validator struct {
	Regions RegionFinder
	Level   int
	Logger  *log.Logger
}

// Validate checks the indirect buffer at gpuAddr. It returns nil when the
// check level is CheckOff.
func (v *Validator) Validate(gpuAddr uint32, sizeDwords uint32) error {
	if v.Level < CheckOn {
		return nil
	}

	return v.parse(gpuAddr, sizeDwords, 1)
}

func (v *Validator) parse(gpuAddr, sizeDwords uint32, depth int) error {
	if depth > maxIBDepth {
		return fmt.Errorf("%w: depth %d at %#08x", ErrTooDeep, depth, gpuAddr)
	}

	desc, ok := v.Regions.Find(gpuAddr, sizeDwords*4)
	if !ok {
		return fmt.Errorf("%w: gpuaddr %#08x size %d",
			ErrUnmapped, gpuAddr, sizeDwords)
	}

	words := desc.ReadWords(gpuAddr-desc.GPUAddr, sizeDwords)

	pos := uint32(0)
	for pos < sizeDwords {
		header := words[pos]
		count := PacketLength(header)

		var err error
		switch PacketType(header) {
		case Type0:
			err = checkType0(header)
		case Type1:
		case Type3:
			if count > sizeDwords-pos {
				break
			}
			err = v.checkType3(words[pos:pos+count], depth)
		default:
			err = fmt.Errorf("%w: type %d word %#08x",
				ErrBadPacketType, header>>30, header)
		}

		if err == nil && count > sizeDwords-pos {
			err = fmt.Errorf("%w: count %d, %d words left",
				ErrBadCount, count, sizeDwords-pos)
		}

		if err != nil {
			v.report(err, words, pos, gpuAddr, depth)
			return err
		}

		pos += count
	}

	return nil
}

func checkType0(header uint32) error {
	reg := Type0Register(header)
	cnt := Type0Count(header)

	if reg < firstClientReg || reg+cnt >= regLimit {
		return fmt.Errorf("%w: reg %#x count %d", ErrBadRegister, reg, cnt)
	}

	return nil
}

func (v *Validator) checkType3(packet []uint32, depth int) error {
	op := Opcode(packet[0])

	if IsIBOpcode(op) {
		if len(packet) < 3 {
			return fmt.Errorf("%w: short ib packet", ErrBadCount)
		}

		return v.parse(packet[1], packet[2], depth+1)
	}

	if !allowedOpcodes[op] {
		return fmt.Errorf("%w: %#x", ErrBadOpcode, op)
	}

	return nil
}

func (v *Validator) report(err error, words []uint32, pos, gpuAddr uint32, depth int) {
	if v.Logger == nil {
		return
	}

	v.Logger.Printf("bad IB%d packet #%d/%d v:%#08x gpu:%#08x: %v",
		depth, pos, len(words), words[pos], gpuAddr+4*pos, err)

	if v.Level >= CheckDump {
		buf := make([]byte, len(words)*4)
		for i, w := range words {
			binary.LittleEndian.PutUint32(buf[i*4:], w)
		}
		v.Logger.Printf("IB%d:\n%s", depth, hex.Dump(buf))
	}
}

// allowedOpcodes lists the type3 opcodes a client buffer may contain apart
// from the indirect buffer jumps. Micro engine init and protected mode
// switches are reserved for the ring.
var allowedOpcodes = map[uint32]bool{
	OpNop:                 true,
	OpWaitForIdle:         true,
	OpWaitRegMem:          true,
	OpWaitRegEq:           true,
	OpWaitRegGte:          true,
	OpWaitUntilRead:       true,
	OpWaitIBPFDComplete:   true,
	OpRegRMW:              true,
	OpRegToMem:            true,
	OpMemWrite:            true,
	OpMemWriteCnt:         true,
	OpCondExec:            true,
	OpCondWrite:           true,
	OpEventWrite:          true,
	OpEventWriteSHD:       true,
	OpEventWriteCFL:       true,
	OpEventWriteZPD:       true,
	OpDrawIndx:            true,
	OpDrawIndx2:           true,
	OpDrawIndxBin:         true,
	OpDrawIndx2Bin:        true,
	OpVizQuery:            true,
	OpSetState:            true,
	OpSetConstant:         true,
	OpImLoad:              true,
	OpImLoadImmediate:     true,
	OpLoadConstantContext: true,
	OpInvalidateState:     true,
	OpSetShaderBases:      true,
	OpSetBinMask:          true,
	OpSetBinSelect:        true,
	OpSetBinBaseOffset:    true,
	OpSetBinData:          true,
	OpContextUpdate:       true,
	OpInterrupt:           true,
	OpImStore:             true,
	OpLoadState:           true,
}
