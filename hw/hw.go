// Package hw declares what the engine needs from the hardware it drives and
// the register offsets of the command processor.
package hw

//go:generate mockgen -destination mock_hw/mock_hw.go github.com/sarchlab/cpring/hw Registers,FirmwareLoader,Power,MMU

// Registers gives word access to the device's register file. Offsets are in
// words.
type Registers interface {
	Read(reg uint32) uint32
	Write(reg uint32, value uint32)
}

// FirmwareLoader fetches a firmware image by file name.
type FirmwareLoader interface {
	Load(name string) ([]byte, error)
}

// Power switches clocks, rails and the interrupt line.
type Power interface {
	Enable() error
	Disable()
	SetIRQ(on bool)
}

// MMU binds GPU page tables.
type MMU interface {
	Start() error
	Stop()
	SetPageTable(pt uint32)
}

// DefaultPageTable is the page table bound when no context owns the GPU.
const DefaultPageTable uint32 = 0

// Command processor registers shared by all supported generations.
const (
	RegCPRBBase      uint32 = 0x01C0
	RegCPRBCntl      uint32 = 0x01C1
	RegCPRBRptrAddr  uint32 = 0x01C3
	RegCPRBRptr      uint32 = 0x01C4
	RegCPRBWptr      uint32 = 0x01C5
	RegCPRBWptrDelay uint32 = 0x01C6
	RegCPMECntl      uint32 = 0x01F6
	RegCPMERAMWAddr  uint32 = 0x01F8
	RegCPMERAMData   uint32 = 0x01FA
	RegCPDebug       uint32 = 0x01FC
	RegCPIntCntl     uint32 = 0x01F2
	RegScratchAddr   uint32 = 0x0579
	RegScratchUmsk   uint32 = 0x01DC
	RegCPTimestamp   uint32 = 0x0578
	RegCPIB1Base     uint32 = 0x0458
	RegCPIB1BufSz    uint32 = 0x0459
	RegCPIB2Base     uint32 = 0x045A
	RegCPIB2BufSz    uint32 = 0x045B
	RegChipID        uint32 = 0x0FFF
)

// CPMEHalt stops the micro engine when written to RegCPMECntl.
const CPMEHalt uint32 = 0x10000000
