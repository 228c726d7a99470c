package ringbuffer_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/ringbuffer"
)

const (
	eopAddr    = 0x3008
	curCtxAddr = 0x3020
)

type ringBuilder struct {
	words  []uint32
	wptr   uint32
	marks  []uint32
	filler *uint32
}

func newRingBuilder(size int) *ringBuilder {
	b := &ringBuilder{words: make([]uint32, size)}
	for i := range b.words {
		b.words[i] = 0xAAAAAAAA
	}

	return b
}

// add writes an entry the way the ring does, wrapping with a filler, and
// returns its start.
func (b *ringBuilder) add(entry []uint32) uint32 {
	size := uint32(len(b.words))
	if b.wptr+uint32(len(entry)) > size-2 {
		b.words[b.wptr] = pm4.NopPacket(size - b.wptr - 1)
		filler := b.wptr
		b.filler = &filler
		b.wptr = 0
	}

	start := b.wptr
	copy(b.words[start:], entry)
	b.wptr += uint32(len(entry))
	b.marks = append(b.marks, start)

	return start
}

func (b *ringBuilder) view() ringbuffer.View {
	w := make([]uint32, len(b.words))
	copy(w, b.words)

	v := ringbuffer.View{Words: w, Wptr: b.wptr}
	if b.filler != nil {
		v.Filler = *b.filler
		v.HasFiller = true
	}

	return v
}

// finishes runs a scan in the background and reports whether it returned.
func finishes(scan func()) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scan()
	}()

	select {
	case <-done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func switchEntry(id, ts uint32) []uint32 {
	e := []uint32{pm4.NopPacket(1), pm4.CmdIdentifier,
		pm4.NopPacket(1), pm4.ContextToMemIdentifier}
	e = append(e, pm4.MemWritePacket(curCtxAddr, id)...)

	return append(e, pm4.MemWritePacket(eopAddr, ts)...)
}

func ibEntry(ib, ts uint32, skipPreamble bool) []uint32 {
	e := []uint32{pm4.NopPacket(1), pm4.CmdIdentifier}
	if skipPreamble {
		e = append(e, pm4.NopPacket(4), pm4.StartOfIBIdentifier)
		e = append(e, pm4.IBPacket(0x9000, 8)...)
	} else {
		e = append(e, pm4.NopPacket(1), pm4.StartOfIBIdentifier)
	}
	e = append(e, pm4.IBPacket(ib, 16)...)
	e = append(e, pm4.NopPacket(1), pm4.EndOfIBIdentifier)

	return append(e, pm4.CacheFlushTSPacket(eopAddr, ts)...)
}

func lookupWith(hung ...uint32) ringbuffer.ContextLookup {
	return func(id uint32) (bool, bool) {
		if id != 1 && id != 2 && id != 3 {
			return false, false
		}
		for _, h := range hung {
			if h == id {
				return true, true
			}
		}

		return true, false
	}
}

var _ = Describe("View", func() {
	It("should find the first entry after the retired timestamp", func() {
		b := newRingBuilder(128)
		b.add(switchEntry(1, 1))
		b.add(ibEntry(0xA000, 2, false))
		want := b.add(ibEntry(0xA100, 3, false))
		b.add(ibEntry(0xA200, 4, false))

		start, err := b.view().FindEntryAfterEOP(eopAddr, 3)

		Expect(err).NotTo(HaveOccurred())
		Expect(start).To(Equal(want))
	})

	It("should fail when the timestamp is not in the ring", func() {
		b := newRingBuilder(128)
		b.add(ibEntry(0xA000, 2, false))

		_, err := b.view().FindEntryAfterEOP(eopAddr, 9)

		Expect(err).To(MatchError(ringbuffer.ErrEntryNotFound))
	})

	It("should keep healthy contexts and drop hung ones", func() {
		b := newRingBuilder(256)
		b.add(switchEntry(1, 1))
		b.add(ibEntry(0xA000, 2, false))
		b.add(switchEntry(2, 3))
		from := b.add(ibEntry(0xB000, 4, false))
		aSwitch := switchEntry(1, 5)
		aIB := ibEntry(0xA100, 6, false)
		b.add(aSwitch)
		b.add(aIB)
		b.add(switchEntry(2, 7))
		b.add(ibEntry(0xB100, 8, false))
		b.add(switchEntry(3, 9))
		cIB := ibEntry(0xC000, 10, false)
		b.add(cIB)

		split := b.view().CopyValid(from, lookupWith(2))

		good := append(append([]uint32{}, aSwitch...), aIB...)
		good = append(good, switchEntry(3, 9)...)
		good = append(good, cIB...)
		Expect(split.Good).To(Equal(good))
		Expect(split.LastValidContext).To(Equal(uint32(3)))
		Expect(split.Bad).To(HaveLen(int(b.wptr - from)))
		Expect(split.Good).NotTo(ContainElement(uint32(0xB100)))
	})

	It("should skip the wrap filler", func() {
		b := newRingBuilder(64)
		b.wptr = 30
		from := b.add(ibEntry(0xA000, 1, false))
		aSwitch := b.add(switchEntry(1, 2))
		wrapped := b.add(ibEntry(0xA300, 3, false))
		Expect(aSwitch).To(Equal(uint32(43)))
		Expect(wrapped).To(Equal(uint32(0)))

		split := b.view().CopyValid(from, lookupWith())

		Expect(split.Bad).To(HaveLen(13 + 10 + 13))
		Expect(split.Bad).NotTo(ContainElement(uint32(0xAAAAAAAA)))
		Expect(split.Good).To(Equal(append(switchEntry(1, 2),
			ibEntry(0xA300, 3, false)...)))
	})

	It("should treat client words shaped like a filler as data", func() {
		b := newRingBuilder(64)
		from := b.add(switchEntry(1, 1))
		client := []uint32{pm4.NopPacket(1), pm4.CmdIdentifier,
			pm4.NopPacket(51), 0x1234}
		b.add(client)
		Expect(b.words[12]).To(Equal(pm4.NopPacket(64 - 12 - 1)))
		Expect(b.wptr).To(BeNumerically(">", 12))
		b.add(ibEntry(0xA300, 2, false))
		v := b.view()

		var split ringbuffer.Split
		Expect(finishes(func() { split = v.CopyValid(from, lookupWith()) })).
			To(BeTrue())
		Expect(split.Bad).To(HaveLen(int(b.wptr - from)))
		Expect(split.Bad[12]).To(Equal(pm4.NopPacket(51)))

		Expect(finishes(func() { _, _ = v.FindHangingIB(from, 0xBAD0) })).
			To(BeTrue())
		Expect(finishes(func() { v.EnablePreamble(from) })).To(BeTrue())
	})

	It("should not jump at a filler that the write cursor has passed", func() {
		b := newRingBuilder(64)
		b.wptr = 50
		from := b.add(ibEntry(0xA000, 1, false))
		Expect(from).To(Equal(uint32(0)))
		for b.wptr <= 50 {
			b.add(ibEntry(0xA200, 2, false))
		}
		v := b.view()
		Expect(v.HasFiller).To(BeTrue())
		Expect(v.Filler).To(Equal(uint32(50)))
		v.Words[50] = pm4.NopPacket(13)

		var split ringbuffer.Split
		Expect(finishes(func() { split = v.CopyValid(from, lookupWith()) })).
			To(BeTrue())
		Expect(split.Bad).To(HaveLen(int(b.wptr)))
	})

	It("should find the hanging indirect buffer", func() {
		b := newRingBuilder(256)
		from := b.add(switchEntry(2, 1))
		b.add(ibEntry(0xB000, 2, true))
		want := b.add(ibEntry(0xBAD0, 3, true))

		start, err := b.view().FindHangingIB(from, 0xBAD0)

		Expect(err).NotTo(HaveOccurred())
		Expect(start).To(Equal(want))
	})

	It("should stop at a second context switch", func() {
		b := newRingBuilder(256)
		from := b.add(switchEntry(2, 1))
		b.add(switchEntry(1, 2))
		b.add(ibEntry(0xBAD0, 3, true))

		_, err := b.view().FindHangingIB(from, 0xBAD0)

		Expect(err).To(MatchError(ringbuffer.ErrSwitchBeforeIB))
	})

	It("should re-enable the preamble of an entry", func() {
		b := newRingBuilder(256)
		from := b.add(ibEntry(0xBAD0, 3, true))
		b.add(ibEntry(0xB100, 4, true))
		v := b.view()

		Expect(v.EnablePreamble(from)).To(BeTrue())

		Expect(v.Words[from+2]).To(Equal(pm4.NopPacket(1)))
		Expect(v.Words[b.marks[1]+2]).To(Equal(pm4.NopPacket(4)))
	})

	It("should leave entries without a preamble skip alone", func() {
		b := newRingBuilder(256)
		from := b.add(ibEntry(0xBAD0, 3, false))
		b.add(ibEntry(0xB100, 4, true))

		Expect(b.view().EnablePreamble(from)).To(BeFalse())
	})
})
