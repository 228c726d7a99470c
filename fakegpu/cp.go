package fakegpu

import (
	"github.com/sarchlab/cpring/gpufamily"
	"github.com/sarchlab/cpring/hw"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/timestamp"
	"github.com/sarchlab/cpring/timing"
)

// tickEvent makes the command processor execute one packet.
type tickEvent struct{}

// kick schedules a tick if there is work and none is pending. The lock must
// be held.
func (g *GPU) kick() {
	if g.ticking || !g.canRun() {
		return
	}

	g.ticking = true
	g.engine.ScheduleAfter(g.tickCycles, timing.ScheduledEvent{
		Event:   tickEvent{},
		Handler: g,
	})
}

func (g *GPU) canRun() bool {
	return g.running && !g.stalled && !g.frozen && g.rptr != g.wptr
}

// Handle implements timing.Handler.
func (g *GPU) Handle(event any) error {
	if _, ok := event.(tickEvent); !ok {
		return nil
	}

	g.lock.Lock()

	g.ticking = false

	raise := false
	if g.canRun() {
		raise = g.step()
	}

	g.kick()

	var callbacks []func()
	if raise && g.irq {
		callbacks = append(callbacks, g.onInterrupt...)
	}

	g.lock.Unlock()

	for _, cb := range callbacks {
		cb()
	}

	return nil
}

func (g *GPU) ringSize() uint32 {
	return gpufamily.RingSizeFromControl(g.regs[hw.RegCPRBCntl])
}

func (g *GPU) ringWord(i uint32) uint32 {
	size := g.ringSize()
	addr := g.regs[hw.RegCPRBBase] + ((g.rptr+i)%size)*4

	w, _ := g.alloc.ReadGPUWord(addr)

	return w
}

func (g *GPU) readMem(addr uint32) uint32 {
	w, _ := g.alloc.ReadGPUWord(addr)
	return w
}

// writeMem stores a word on behalf of a packet. A write outside mapped
// memory is a page fault: the command processor stalls on the packet and
// reports false.
func (g *GPU) writeMem(addr, value uint32) bool {
	if err := g.alloc.WriteGPUWord(addr, value); err != nil {
		g.stats.PageFaults++
		g.faultAddr = addr
		g.stalled = true

		return false
	}

	return true
}

func (g *GPU) writeBackRptr() {
	if addr := g.regs[hw.RegCPRBRptrAddr]; addr != 0 {
		_ = g.alloc.WriteGPUWord(addr, g.rptr)
	}
}

func (g *GPU) advance(n uint32) {
	g.rptr = (g.rptr + n) % g.ringSize()
	g.writeBackRptr()
	g.stats.Packets++
}

// step executes the packet at rptr. It reports whether the packet raised
// an interrupt.
func (g *GPU) step() bool {
	header := g.ringWord(0)
	length := pm4.PacketLength(header)

	switch pm4.PacketType(header) {
	case pm4.Type0:
		reg := pm4.Type0Register(header)
		for i := uint32(0); i < pm4.Type0Count(header); i++ {
			g.regs[reg+i] = g.ringWord(1 + i)
		}
	case pm4.Type3:
		return g.type3(header, length)
	}

	g.advance(length)

	return false
}

func (g *GPU) type3(header, length uint32) bool {
	raise := false

	switch op := pm4.Opcode(header); {
	case pm4.IsIBOpcode(op):
		if !g.runIB(g.ringWord(1), g.ringWord(2)) {
			return false
		}
	case op == pm4.OpMemWrite:
		if !g.writeMem(g.ringWord(1), g.ringWord(2)) {
			return false
		}
	case op == pm4.OpEventWrite:
		if length == 4 && g.ringWord(1) == pm4.EventCacheFlushTS &&
			!g.writeMem(g.ringWord(2), g.ringWord(3)) {
			return false
		}
	case op == pm4.OpCondExec:
		if !g.condition(g.ringWord(1)<<2, g.ringWord(2)<<2, g.ringWord(3)) {
			length += g.ringWord(4)
		}
	case op == pm4.OpInterrupt:
		raise = true
		g.stats.Interrupts++
	}

	g.advance(length)

	return raise
}

// runIB executes an indirect buffer. A faulted buffer stalls the command
// processor with the IB registers pointing at it.
func (g *GPU) runIB(addr, size uint32) bool {
	g.regs[hw.RegCPIB1Base] = addr
	g.regs[hw.RegCPIB1BufSz] = size

	if _, faulted := g.faults[addr]; faulted {
		g.stalled = true
		return false
	}

	g.regs[hw.RegCPIB1BufSz] = 0
	g.stats.IBs++

	return true
}

func (g *GPU) condition(enableAddr, refAddr, ts uint32) bool {
	if g.readMem(enableAddr) == 0 {
		return false
	}

	return timestamp.Cmp(g.readMem(refAddr), ts) <= 0
}
