package gpufamily

import (
	"errors"
	"fmt"
)

// AnyID matches any value of a chip id field.
const AnyID = 0xFF

// NoVersion means the firmware never supports MMU sync locks.
const NoVersion = 0xFFFFFFFF

// Rev is a GPU revision.
type Rev int

// Known revisions.
const (
	RevUnknown Rev = iota
	RevA200
	RevA203
	RevA205
	RevA220
	RevA225
	RevA305
	RevA320
)

func (r Rev) String() string {
	switch r {
	case RevA200:
		return "A200"
	case RevA203:
		return "A203"
	case RevA205:
		return "A205"
	case RevA220:
		return "A220"
	case RevA225:
		return "A225"
	case RevA305:
		return "A305"
	case RevA320:
		return "A320"
	}

	return "unknown"
}

// Chip is a row of the chip table.
type Chip struct {
	Rev                       Rev
	Core, Major, Minor, Patch uint32
	PM4Firmware, PFPFirmware  string
	Generation                Generation
	GMemSize                  uint32
	SyncLockPM4, SyncLockPFP  uint32
}

// SupportsSyncLock reports whether the loaded firmware versions are recent
// enough for MMU sync locks.
func (c *Chip) SupportsSyncLock(pm4Version, pfpVersion uint32) bool {
	return pm4Version >= c.SyncLockPM4 && pfpVersion >= c.SyncLockPFP
}

// ErrUnknownChip is returned by Identify when no row matches.
var ErrUnknownChip = errors.New("gpufamily: unknown chip")

var chips = []Chip{
	{RevA200, 0, 2, AnyID, AnyID, "yamato_pm4.fw", "yamato_pfp.fw",
		A2XX{}, 256 << 10, NoVersion, NoVersion},
	{RevA203, 0, 1, 1, AnyID, "yamato_pm4.fw", "yamato_pfp.fw",
		A2XX{}, 256 << 10, NoVersion, NoVersion},
	{RevA205, 0, 1, 0, AnyID, "yamato_pm4.fw", "yamato_pfp.fw",
		A2XX{}, 256 << 10, NoVersion, NoVersion},
	{RevA220, 2, 1, AnyID, AnyID, "leia_pm4_470.fw", "leia_pfp_470.fw",
		A2XX{}, 512 << 10, NoVersion, NoVersion},
	{RevA225, 2, 2, 0, 5, "a225p5_pm4.fw", "a225_pfp.fw",
		A2XX{}, 512 << 10, NoVersion, NoVersion},
	{RevA225, 2, 2, 0, 6, "a225_pm4.fw", "a225_pfp.fw",
		A2XX{}, 512 << 10, 0x225011, 0x225002},
	{RevA225, 2, 2, AnyID, AnyID, "a225_pm4.fw", "a225_pfp.fw",
		A2XX{}, 512 << 10, 0x225011, 0x225002},
	{RevA305, 3, 0, 5, AnyID, "a300_pm4.fw", "a300_pfp.fw",
		A3XX{}, 256 << 10, 0x3FF037, 0x3FF016},
	{RevA320, 3, 2, 0, AnyID, "a300_pm4.fw", "a300_pfp.fw",
		A3XX{}, 512 << 10, 0x3FF037, 0x3FF016},
}

func fieldMatch(id, entry uint32) bool {
	return entry == AnyID || entry == id
}

// Identify finds the first table row matching chipID, whose bytes are core,
// major, minor and patch from most to least significant.
func Identify(chipID uint32) (*Chip, error) {
	core := (chipID >> 24) & 0xFF
	major := (chipID >> 16) & 0xFF
	minor := (chipID >> 8) & 0xFF
	patch := chipID & 0xFF

	for i := range chips {
		c := &chips[i]
		if core == c.Core &&
			fieldMatch(major, c.Major) &&
			fieldMatch(minor, c.Minor) &&
			fieldMatch(patch, c.Patch) {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: id %#08x", ErrUnknownChip, chipID)
}

// ChipID packs the four fields of a chip id.
func ChipID(core, major, minor, patch uint32) uint32 {
	return core<<24 | major<<16 | minor<<8 | patch
}
