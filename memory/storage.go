// Package memory models the memory shared by the host and the GPU.
package memory

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrOutOfRange is returned when an access falls beyond the storage capacity.
var ErrOutOfRange = errors.New("memory: access beyond the storage capacity")

// A Storage keeps the bytes of the shared memory.
//
// The storage is managed in units, similar to pages. Units never touched by
// Read or Write are not allocated. All accesses are serialized, so a word
// written by one side is fully visible to the other.
type Storage struct {
	lock     sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage with the given capacity in bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		unitSize: 4096,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, ErrOutOfRange
	}

	base, _ := s.split(address)
	unit, ok := s.data[base]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[base] = unit
	}

	return unit, nil
}

func (s *Storage) split(addr uint64) (base, offset uint64) {
	offset = addr % s.unitSize
	base = addr - offset

	return base, offset
}

// Read returns length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := make([]byte, length)
	done := uint64(0)

	for done < length {
		curr := address + done
		unit, err := s.unit(curr)
		if err != nil {
			return nil, err
		}

		base, offset := s.split(curr)
		n := min(length-done, base+s.unitSize-curr)
		copy(res[done:done+n], unit[offset:offset+n])
		done += n
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	length := uint64(len(data))
	done := uint64(0)

	for done < length {
		curr := address + done
		unit, err := s.unit(curr)
		if err != nil {
			return err
		}

		base, offset := s.split(curr)
		n := min(length-done, base+s.unitSize-curr)
		copy(unit[offset:offset+n], data[done:done+n])
		done += n
	}

	return nil
}

// ReadWord reads a little-endian 32-bit word.
func (s *Storage) ReadWord(address uint64) (uint32, error) {
	buf, err := s.Read(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// WriteWord writes a little-endian 32-bit word.
func (s *Storage) WriteWord(address uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)

	return s.Write(address, buf[:])
}
