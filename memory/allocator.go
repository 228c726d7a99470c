package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ErrNoMemory is returned when an allocation cannot be satisfied.
var ErrNoMemory = errors.New("memory: out of memory")

// Allocator hands out regions that are visible to both host and device.
type Allocator interface {
	// Alloc returns a region of at least size bytes.
	Alloc(size uint32) (*MemDesc, error)

	// Free releases a region returned by Alloc.
	Free(desc *MemDesc)

	// Find returns the region covering [gpuAddr, gpuAddr+size).
	Find(gpuAddr uint32, size uint32) (*MemDesc, bool)
}

// MemDesc describes one mapped region: its GPU address and a host view of it.
type MemDesc struct {
	GPUAddr uint32
	Size    uint32

	storage *Storage
	base    uint64
}

func (d *MemDesc) mustContain(offset uint32, n uint32) {
	if uint64(offset)+uint64(n) > uint64(d.Size) {
		log.Panicf("memory: access [%#x, %#x) outside region of %#x bytes",
			offset, offset+n, d.Size)
	}
}

// ReadWord reads the word at a byte offset inside the region.
func (d *MemDesc) ReadWord(offset uint32) uint32 {
	d.mustContain(offset, 4)

	v, err := d.storage.ReadWord(d.base + uint64(offset))
	if err != nil {
		log.Panic(err)
	}

	return v
}

// WriteWord writes the word at a byte offset inside the region.
func (d *MemDesc) WriteWord(offset uint32, value uint32) {
	d.mustContain(offset, 4)

	if err := d.storage.WriteWord(d.base+uint64(offset), value); err != nil {
		log.Panic(err)
	}
}

// ReadWords reads n consecutive words starting at a byte offset.
func (d *MemDesc) ReadWords(offset uint32, n uint32) []uint32 {
	d.mustContain(offset, n*4)

	buf, err := d.storage.Read(d.base+uint64(offset), uint64(n)*4)
	if err != nil {
		log.Panic(err)
	}

	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	return words
}

// WriteWords writes consecutive words starting at a byte offset.
func (d *MemDesc) WriteWords(offset uint32, words []uint32) {
	d.mustContain(offset, uint32(len(words))*4)

	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	if err := d.storage.Write(d.base+uint64(offset), buf); err != nil {
		log.Panic(err)
	}
}

// Set fills n bytes starting at offset with value.
func (d *MemDesc) Set(offset uint32, value byte, n uint32) {
	d.mustContain(offset, n)

	buf := make([]byte, n)
	for i := range buf {
		buf[i] = value
	}

	if err := d.storage.Write(d.base+uint64(offset), buf); err != nil {
		log.Panic(err)
	}
}

// Contains reports whether [gpuAddr, gpuAddr+size) lies inside the region.
func (d *MemDesc) Contains(gpuAddr uint32, size uint32) bool {
	start := uint64(gpuAddr)
	end := start + uint64(size)

	return start >= uint64(d.GPUAddr) && end <= uint64(d.GPUAddr)+uint64(d.Size)
}

// PageSize is the allocation granularity.
const PageSize uint32 = 4096

// A LinearAllocator carves page aligned regions out of a Storage. The GPU
// address of a region is its storage offset plus a fixed base.
type LinearAllocator struct {
	lock    sync.Mutex
	storage *Storage
	gpuBase uint32
	next    uint64
	regions []*MemDesc
}

// NewLinearAllocator creates an allocator over storage. GPU addresses start
// at gpuBase.
func NewLinearAllocator(storage *Storage, gpuBase uint32) *LinearAllocator {
	return &LinearAllocator{storage: storage, gpuBase: gpuBase}
}

// Storage returns the backing storage.
func (a *LinearAllocator) Storage() *Storage {
	return a.storage
}

// Alloc reserves a page aligned region.
func (a *LinearAllocator) Alloc(size uint32) (*MemDesc, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: zero sized allocation")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	aligned := (uint64(size) + uint64(PageSize) - 1) / uint64(PageSize) *
		uint64(PageSize)
	if a.next+aligned > a.storage.Capacity() ||
		uint64(a.gpuBase)+a.next+aligned > 1<<32 {
		return nil, fmt.Errorf("%w: %d bytes requested", ErrNoMemory, size)
	}

	desc := &MemDesc{
		GPUAddr: a.gpuBase + uint32(a.next),
		Size:    size,
		storage: a.storage,
		base:    a.next,
	}
	a.next += aligned
	a.regions = append(a.regions, desc)

	return desc, nil
}

// Free forgets the region. Address space is not reused.
func (a *LinearAllocator) Free(desc *MemDesc) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for i, r := range a.regions {
		if r == desc {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// Find returns the live region covering the range.
func (a *LinearAllocator) Find(gpuAddr uint32, size uint32) (*MemDesc, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	i := sort.Search(len(a.regions), func(i int) bool {
		r := a.regions[i]
		return uint64(r.GPUAddr)+uint64(r.Size) > uint64(gpuAddr)
	})

	if i < len(a.regions) && a.regions[i].Contains(gpuAddr, size) {
		return a.regions[i], true
	}

	return nil, false
}

// ReadGPUWord reads a word by GPU address. It is the device side of the
// shared memory.
func (a *LinearAllocator) ReadGPUWord(gpuAddr uint32) (uint32, error) {
	if gpuAddr < a.gpuBase {
		return 0, fmt.Errorf("%w: gpu address %#x", ErrOutOfRange, gpuAddr)
	}

	return a.storage.ReadWord(uint64(gpuAddr - a.gpuBase))
}

// WriteGPUWord writes a word by GPU address.
func (a *LinearAllocator) WriteGPUWord(gpuAddr uint32, value uint32) error {
	if gpuAddr < a.gpuBase {
		return fmt.Errorf("%w: gpu address %#x", ErrOutOfRange, gpuAddr)
	}

	return a.storage.WriteWord(uint64(gpuAddr-a.gpuBase), value)
}

var _ Allocator = (*LinearAllocator)(nil)
