// Package ringbuffer manages the circular command buffer shared with the
// command processor.
package ringbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/liveness"
	"github.com/sarchlab/cpring/memory"
	"github.com/sarchlab/cpring/pm4"
)

// Words reserved at the end of the ring so that a wrap filler always fits.
const nopSizeDwords = 2

// Offsets inside the pointer write-back region.
const (
	memptrsRptr     = 0
	memptrsWptrPoll = 4
	memptrsSize     = 8
)

// fillPattern is written over the whole ring when it starts.
const fillPattern = 0xAA

// ErrFirmware is returned for malformed firmware images.
var ErrFirmware = errors.New("ringbuffer: bad firmware image")

// Env is what the ring needs from the device that owns it while it waits
// for the command processor.
type Env interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep waits for d with the device lock released.
	Sleep(d time.Duration)

	// HangDetect runs one liveness round.
	HangDetect(s *liveness.Sample) bool

	// Recover runs recovery after a stall. A nil return means the wait
	// should start over.
	Recover() error

	// Idle waits for the device to drain and settle.
	Idle() error
}

// Config holds the sizes and timeouts of a ring.
type Config struct {
	SizeDwords   uint32
	IdleTimeout  time.Duration
	TimeoutPart  time.Duration
	PollInterval time.Duration

	// ScratchAddr is the GPU address the scratch registers write back to.
	ScratchAddr uint32
}

// Firmware holds the parsed microcode images.
type Firmware struct {
	PM4        []uint32
	PFP        []uint32
	PM4Version uint32
	PFPVersion uint32
}

// ParseFirmware checks and decodes the two microcode blobs. The PM4 image
// is a version word followed by three-word instructions. The PFP image is
// a sequence of words with its version at word 5.
func ParseFirmware(pm4Blob, pfpBlob []byte) (*Firmware, error) {
	if len(pm4Blob)%12 != 4 {
		return nil, fmt.Errorf("%w: pm4 size %d", ErrFirmware, len(pm4Blob))
	}

	if len(pfpBlob)%4 != 0 || len(pfpBlob) < 24 {
		return nil, fmt.Errorf("%w: pfp size %d", ErrFirmware, len(pfpBlob))
	}

	fw := &Firmware{
		PM4: bytesToWords(pm4Blob),
		PFP: bytesToWords(pfpBlob),
	}

	if len(fw.PM4) < 2 {
		return nil, fmt.Errorf("%w: pm4 image too short", ErrFirmware)
	}

	fw.PM4Version = fw.PM4[1]
	fw.PFPVersion = fw.PFP[5]

	return fw, nil
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return words
}

// A Ring is the host side of the command ring.
//
// The host owns wptr and the device owns rptr. Every method must be called
// with the device lock held.
type Ring struct {
	cfg   Config
	regs  hw.Registers
	alloc memory.Allocator
	gen   gpufamily.Generation
	env   Env

	buffer  *memory.MemDesc
	memptrs *memory.MemDesc
	fw      *Firmware

	wptr    uint32
	rptr    uint32
	started bool

	filler    uint32
	hasFiller bool
}

// New allocates the ring and its pointer write-back region.
func New(
	cfg Config,
	regs hw.Registers,
	alloc memory.Allocator,
	gen gpufamily.Generation,
	env Env,
) (*Ring, error) {
	if cfg.SizeDwords < 16 || cfg.SizeDwords&(cfg.SizeDwords-1) != 0 {
		return nil, fmt.Errorf(
			"ringbuffer: size %d is not a power of two", cfg.SizeDwords)
	}

	buffer, err := alloc.Alloc(cfg.SizeDwords * 4)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: allocating ring: %w", err)
	}

	memptrs, err := alloc.Alloc(memptrsSize)
	if err != nil {
		alloc.Free(buffer)
		return nil, fmt.Errorf("ringbuffer: allocating memptrs: %w", err)
	}

	r := &Ring{
		cfg:     cfg,
		regs:    regs,
		alloc:   alloc,
		gen:     gen,
		env:     env,
		buffer:  buffer,
		memptrs: memptrs,
	}

	return r, nil
}

// Close releases the memory of the ring.
func (r *Ring) Close() {
	r.alloc.Free(r.buffer)
	r.alloc.Free(r.memptrs)
}

// SetFirmware installs the parsed microcode. It is loaded into the device
// on every Start.
func (r *Ring) SetFirmware(fw *Firmware) {
	r.fw = fw
}

// Firmware returns the installed microcode.
func (r *Ring) Firmware() *Firmware {
	return r.fw
}

// SizeDwords returns the capacity of the ring in words.
func (r *Ring) SizeDwords() uint32 {
	return r.cfg.SizeDwords
}

// Started reports whether the command processor is running the ring.
func (r *Ring) Started() bool {
	return r.started
}

// Wptr returns the host write cursor.
func (r *Ring) Wptr() uint32 {
	return r.wptr
}

// Rptr refreshes and returns the device read cursor.
func (r *Ring) Rptr() uint32 {
	r.rptr = r.memptrs.ReadWord(memptrsRptr)
	return r.rptr
}

// GPUAddr returns the GPU address of the ring.
func (r *Ring) GPUAddr() uint32 {
	return r.buffer.GPUAddr
}

// RptrAddr returns the GPU address where the device writes rptr back.
func (r *Ring) RptrAddr() uint32 {
	return r.memptrs.GPUAddr + memptrsRptr
}

// View copies the ring for scanning.
func (r *Ring) View() View {
	return View{
		Words:     r.buffer.ReadWords(0, r.cfg.SizeDwords),
		Wptr:      r.wptr,
		Filler:    r.filler,
		HasFiller: r.hasFiller,
	}
}

// Start programs the command processor, loads microcode and waits for the
// device to settle. It does nothing if the ring already runs.
func (r *Ring) Start() error {
	if r.started {
		return nil
	}

	if r.fw == nil {
		return fmt.Errorf("%w: no firmware installed", ErrFirmware)
	}

	r.memptrs.Set(0, 0, memptrsSize)
	r.buffer.Set(0, fillPattern, r.cfg.SizeDwords*4)

	r.gen.ProgramRing(r.regs, r.memptrs.GPUAddr+memptrsWptrPoll)
	r.regs.Write(hw.RegCPRBCntl, r.gen.RingControl(r.cfg.SizeDwords))
	r.regs.Write(hw.RegCPRBBase, r.buffer.GPUAddr)
	r.regs.Write(hw.RegCPRBRptrAddr, r.RptrAddr())
	r.regs.Write(hw.RegScratchAddr, r.cfg.ScratchAddr)
	r.regs.Write(hw.RegScratchUmsk, 0x1)

	r.loadPM4()
	r.loadPFP()

	r.rptr = 0
	r.wptr = 0
	r.hasFiller = false

	r.regs.Write(hw.RegCPMECntl, 0)

	if err := r.meInit(); err != nil {
		return err
	}

	if err := r.env.Idle(); err != nil {
		return err
	}

	r.started = true

	return nil
}

func (r *Ring) loadPM4() {
	r.regs.Write(hw.RegCPDebug, 0x02000000)
	r.regs.Write(hw.RegCPMERAMWAddr, 0)

	for _, w := range r.fw.PM4[1:] {
		r.regs.Write(hw.RegCPMERAMData, w)
	}
}

func (r *Ring) loadPFP() {
	addr, data := r.gen.PFPUcodeRegisters()
	r.regs.Write(addr, 0)

	for _, w := range r.fw.PFP[1:] {
		r.regs.Write(data, w)
	}
}

func (r *Ring) meInit() error {
	init := r.gen.MEInit()

	span, err := r.AllocSpace(uint32(len(init)))
	if err != nil {
		return err
	}

	span.Put(init...)
	span.Done()
	r.Submit()

	return nil
}

// Stop halts the micro engine.
func (r *Ring) Stop() {
	if !r.started {
		return
	}

	r.regs.Write(hw.RegCPMECntl, hw.CPMEHalt)
	r.started = false
}

// Submit publishes everything written so far.
func (r *Ring) Submit() {
	if r.wptr == 0 {
		log.Panic("ringbuffer: submit with an empty write pointer")
	}

	r.regs.Write(hw.RegCPRBWptr, r.wptr)
}

// Restore writes recovered commands into a freshly started ring and
// submits them.
func (r *Ring) Restore(words []uint32) {
	n := uint32(len(words))
	if n == 0 {
		return
	}

	if n > r.cfg.SizeDwords-nopSizeDwords {
		log.Panicf("ringbuffer: cannot restore %d words into a ring of %d",
			n, r.cfg.SizeDwords)
	}

	if r.wptr+n > r.cfg.SizeDwords-nopSizeDwords {
		r.regs.Write(hw.RegCPRBRptr, 0)
		r.rptr = 0
		r.wptr = 0
		r.hasFiller = false
	}

	r.buffer.WriteWords(r.wptr*4, words)
	r.wptr += n
	r.Submit()
}

// A Span is a reserved window of the ring.
type Span struct {
	r     *Ring
	start uint32
	pos   uint32
	end   uint32
}

// Start returns the ring offset of the first word of the span.
func (s *Span) Start() uint32 {
	return s.start
}

// Put appends words to the span. Writing past the reservation panics.
func (s *Span) Put(words ...uint32) {
	if s.pos+uint32(len(words)) > s.end {
		log.Panicf("ringbuffer: span overflow, %d words past the reservation",
			s.pos+uint32(len(words))-s.end)
	}

	s.r.buffer.WriteWords(s.pos*4, words)
	s.pos += uint32(len(words))
}

// Done panics unless the span was filled exactly.
func (s *Span) Done() {
	if s.pos != s.end {
		log.Panicf("ringbuffer: span underfilled, %d words left", s.end-s.pos)
	}
}

// AllocSpace reserves n contiguous words at the write cursor, waiting for
// the command processor if needed. Asking for the whole ring panics.
func (r *Ring) AllocSpace(n uint32) (*Span, error) {
	if n >= r.cfg.SizeDwords-nopSizeDwords {
		log.Panicf("ringbuffer: %d words do not fit in a ring of %d",
			n, r.cfg.SizeDwords)
	}

	for {
		r.Rptr()

		fits, wrap := r.fits(n)
		if fits {
			break
		}

		if err := r.waitSpace(n, wrap); err != nil {
			return nil, err
		}
	}

	span := &Span{r: r, start: r.wptr, pos: r.wptr, end: r.wptr + n}
	r.wptr += n

	return span, nil
}

// fits reports whether n words can be written at wptr right now, and if
// not, whether the cursor has to wrap first.
func (r *Ring) fits(n uint32) (ok bool, wrap bool) {
	tailFull := r.wptr+n > r.cfg.SizeDwords-nopSizeDwords

	if r.wptr >= r.rptr {
		return !tailFull, tailFull
	}

	// Behind the read cursor the tail cannot be short: rptr is at most the
	// last word of the ring.
	return r.wptr+n < r.rptr, false
}

// waitSpace waits until n words are free at the write cursor. With wrap
// set, it first fills the tail of the ring and moves the cursor to 0. A
// recovery during the wait restarts the ring, in which case waitSpace
// returns early and the caller re-evaluates.
func (r *Ring) waitSpace(n uint32, wrap bool) error {
	if wrap {
		fill := r.cfg.SizeDwords - r.wptr - 1
		r.buffer.WriteWord(r.wptr*4, pm4.NopPacket(fill))
		r.filler = r.wptr
		r.hasFiller = true

		restarted, err := r.waitFor(func() bool { return r.Rptr() != 0 })
		if err != nil || restarted {
			return err
		}

		r.wptr = 0
		r.regs.Write(hw.RegCPRBWptr, 0)
	}

	_, err := r.waitFor(func() bool {
		free := r.Rptr() - r.wptr
		return free == 0 || free > n
	})

	return err
}

// waitFor polls cond on the liveness ladder. Hangs and the absolute timeout
// trigger recovery, after which waitFor reports the restart.
func (r *Ring) waitFor(cond func() bool) (restarted bool, err error) {
	ladder := liveness.NewLadder(r.env.Now(),
		r.cfg.IdleTimeout, r.cfg.TimeoutPart, r.cfg.TimeoutPart)
	sample := &liveness.Sample{}

	for !cond() {
		now := r.env.Now()

		stalled := ladder.Expired(now)
		if !stalled && ladder.CheckDue(now) {
			stalled = r.env.HangDetect(sample)
		}

		if stalled {
			if err := r.env.Recover(); err != nil {
				return false, err
			}

			return true, nil
		}

		r.env.Sleep(r.cfg.PollInterval)
	}

	return false, nil
}
