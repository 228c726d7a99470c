// Package memstore lays out the memory the GPU writes timestamps into.
//
// The store is an array of slots, one per context id. Slot 0 holds the global
// timestamps and the id of the context that currently owns the GPU.
package memstore

import (
	"fmt"

	"github.com/sarchlab/cpring/memory"
)

// Field is a word inside a slot.
type Field uint32

// Slot fields, as byte offsets. The unnamed words in between are padding.
const (
	SOPTimestamp   Field = 0
	EOPTimestamp   Field = 8
	TSCmpEnable    Field = 16
	RefWaitTS      Field = 24
	CurrentContext Field = 32
)

// SlotSize is the size of a slot in bytes.
const SlotSize uint32 = 40

// Global is the slot that holds the device wide timestamps.
const Global uint32 = 0

// MaxSlots is the number of slots that fit in one page.
const MaxSlots = memory.PageSize / SlotSize

// Offset returns the byte offset of a field of a slot.
func Offset(slot uint32, f Field) uint32 {
	return slot*SlotSize + uint32(f)
}

// A Store wraps the shared region.
type Store struct {
	desc *memory.MemDesc
}

// New allocates a store.
func New(alloc memory.Allocator) (*Store, error) {
	desc, err := alloc.Alloc(memory.PageSize)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}

	desc.Set(0, 0, desc.Size)

	return &Store{desc: desc}, nil
}

// Desc returns the underlying region.
func (s *Store) Desc() *memory.MemDesc {
	return s.desc
}

// Addr returns the GPU address of a field.
func (s *Store) Addr(slot uint32, f Field) uint32 {
	return s.desc.GPUAddr + Offset(slot, f)
}

// Read reads a field. Reads go through the shared storage lock, which orders
// them after any device write that completed before.
func (s *Store) Read(slot uint32, f Field) uint32 {
	return s.desc.ReadWord(Offset(slot, f))
}

// Write writes a field.
func (s *Store) Write(slot uint32, f Field, v uint32) {
	s.desc.WriteWord(Offset(slot, f), v)
}

// Reset zeroes every slot.
func (s *Store) Reset() {
	s.desc.Set(0, 0, s.desc.Size)
}
