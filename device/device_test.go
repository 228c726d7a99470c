package device_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/fakegpu"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/timestamp"
)

var _ = Describe("Device", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(testConfig())
	})

	AfterEach(func() {
		r.dev.Close()
	})

	It("should start active and idle", func() {
		Expect(r.dev.State()).To(Equal(device.StateActive))
		Expect(r.dev.IsIdle()).To(BeTrue())
		Expect(r.dev.Start()).To(Succeed())

		pm4Version, pfpVersion := r.gpu.FirmwareVersions()
		Expect(pm4Version).To(Equal(uint32(0x3FF037)))
		Expect(pfpVersion).To(Equal(uint32(0x3FF016)))
	})

	It("should retire a single submission", func() {
		ctx := r.newContext(device.FlagPerContextTimestamps)

		ts := r.issue(ctx, r.newIB(16))
		Expect(ts).To(Equal(uint32(1)))

		Expect(r.dev.Wait(ctx, ts, device.TimeoutDefault)).To(Succeed())

		retired, err := r.dev.ReadTimestamp(ctx, timestamp.Retired)
		Expect(err).NotTo(HaveOccurred())
		Expect(retired).To(Equal(uint32(1)))

		queued, err := r.dev.ReadTimestamp(ctx, timestamp.Queued)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(uint32(1)))

		Expect(r.dev.Interrupts()).To(BeNumerically(">=", 1))
		Expect(r.gpu.PageTable()).To(Equal(uint32(0x100)))
	})

	It("should hand out increasing timestamps", func() {
		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)
		shared := r.newContext(0)
		ib := r.newIB(8)

		var last uint32
		for i := 1; i <= 5; i++ {
			Expect(r.issue(a, ib)).To(Equal(uint32(i)))
			Expect(r.issue(b, ib)).To(Equal(uint32(i)))

			ts := r.issue(shared, ib)
			Expect(timestamp.Cmp(ts, last)).To(Equal(1))
			last = ts
		}

		Expect(r.dev.Idle()).To(Succeed())

		global, err := r.dev.ReadTimestamp(0, timestamp.Retired)
		Expect(err).NotTo(HaveOccurred())
		Expect(global).To(Equal(last))

		consumed, err := r.dev.ReadTimestamp(shared, timestamp.Consumed)
		Expect(err).NotTo(HaveOccurred())
		Expect(consumed).To(Equal(last))
	})

	It("should wrap around the ring", func() {
		ctx := r.newContext(device.FlagPerContextTimestamps)
		ib := r.newIB(8)

		for i := 1; i <= 100; i++ {
			ts := r.issue(ctx, ib)
			Expect(ts).To(Equal(uint32(i)))
		}

		Expect(r.dev.Wait(ctx, 100, device.TimeoutDefault)).To(Succeed())
		Expect(r.dev.Status().Wptr).To(BeNumerically("<", 256))
		Expect(r.dev.Status().Recoveries).To(BeZero())
	})

	It("should submit raw commands outside of a context", func() {
		ts, err := r.dev.IssueCommands(0, device.CmdProtectedMode,
			[]uint32{pm4.NopPacket(1), 0})
		Expect(err).NotTo(HaveOccurred())

		Expect(r.dev.Wait(0, ts, device.TimeoutDefault)).To(Succeed())
	})

	It("should reject bad arguments", func() {
		ctx := r.newContext(0)

		_, err := r.dev.IssueIBs(ctx, nil, 0)
		Expect(err).To(MatchError(device.ErrInvalidArgument))

		_, err = r.dev.IssueIBs(42, []device.IB{r.newIB(4)}, 0)
		Expect(err).To(MatchError(device.ErrInvalidArgument))

		_, err = r.dev.ReadTimestamp(42, timestamp.Retired)
		Expect(err).To(MatchError(device.ErrInvalidArgument))

		err = r.dev.Wait(ctx, 9, device.TimeoutDefault)
		Expect(err).To(MatchError(device.ErrInvalidArgument))

		_, err = r.dev.CreateContext(device.FlagGPUHang, 0)
		Expect(err).To(MatchError(device.ErrInvalidArgument))
	})

	It("should time out a zero timeout wait", func() {
		ctx := r.newContext(device.FlagPerContextTimestamps)

		r.gpu.Freeze(false)
		ts := r.issue(ctx, r.newIB(4))

		Expect(r.dev.Wait(ctx, ts, 0)).To(MatchError(device.ErrTimeout))

		r.gpu.ClearFaults()
		Expect(r.dev.Wait(ctx, ts, device.TimeoutDefault)).To(Succeed())
	})

	It("should reject a malformed indirect buffer", func() {
		r.dev.Close()
		cfg := testConfig()
		cfg.IBCheckLevel = 1
		r = newRig(cfg)

		ctx := r.newContext(0)
		good := r.newIB(4)
		bad := r.newIB(4)

		desc, ok := r.gpu.Allocator().Find(bad.GPUAddr, 16)
		Expect(ok).To(BeTrue())
		desc.WriteWords(0, []uint32{pm4.Type3Packet(pm4.OpMEInit, 1), 0})

		var rejected []device.RejectEvent
		r.dev.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == device.HookPosReject {
				rejected = append(rejected, ctx.Item.(device.RejectEvent))
			}
		}))

		before := r.dev.Status()

		_, err := r.dev.IssueIBs(ctx, []device.IB{good, bad}, 0)
		Expect(err).To(MatchError(device.ErrInvalidArgument))
		Expect(errors.Is(err, pm4.ErrBadOpcode)).To(BeTrue())

		_, err = r.dev.IssueIBs(ctx, []device.IB{{GPUAddr: 0x10, SizeDwords: 4}}, 0)
		Expect(errors.Is(err, pm4.ErrUnmapped)).To(BeTrue())

		after := r.dev.Status()
		Expect(after.Wptr).To(Equal(before.Wptr))
		Expect(after.Queued).To(Equal(before.Queued))
		Expect(rejected).To(HaveLen(2))

		Expect(r.issue(ctx, good)).To(Equal(before.Queued + 2))
	})

	It("should recycle context ids", func() {
		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)
		Expect(b).To(Equal(a + 1))

		r.issue(a, r.newIB(4))
		Expect(r.dev.DestroyContext(a)).To(Succeed())
		Expect(r.dev.DestroyContext(a)).To(MatchError(device.ErrInvalidArgument))

		c := r.newContext(device.FlagPerContextTimestamps)
		Expect(c).To(Equal(a))

		queued, err := r.dev.ReadTimestamp(c, timestamp.Queued)
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(BeZero())

		Expect(r.dev.Contexts()).To(HaveLen(2))
	})

	It("should raise a hook per submission", func() {
		var events []device.SubmitEvent
		r.dev.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == device.HookPosSubmit {
				events = append(events, ctx.Item.(device.SubmitEvent))
			}
		}))

		ctx := r.newContext(device.FlagPerContextTimestamps)
		r.issue(ctx, r.newIB(4))
		r.issue(ctx, r.newIB(4))

		Expect(events).To(HaveLen(3))
		Expect(events[0].Switch).To(BeTrue())
		Expect(events[1].ContextID).To(Equal(ctx))
		Expect(events[2].Timestamp).To(Equal(uint32(2)))
	})

	It("should refuse submissions while stopped", func() {
		ctx := r.newContext(0)
		r.dev.Stop()

		Expect(r.dev.State()).To(Equal(device.StateInit))
		_, err := r.dev.IssueIBs(ctx, []device.IB{r.newIB(4)}, 0)
		Expect(err).To(MatchError(device.ErrNotStarted))

		Expect(r.dev.Start()).To(Succeed())
		Expect(r.issue(ctx, r.newIB(4))).NotTo(BeZero())
	})
})

var _ = Describe("Device on A2XX", func() {
	It("should retire submissions", func() {
		r := newRigWithChip(testConfig(), fakegpu.ChipA220)
		defer r.dev.Close()

		Expect(r.dev.Chip().Generation.Name()).To(Equal("a2xx"))

		ctx := r.newContext(device.FlagPerContextTimestamps)
		ts := r.issue(ctx, r.newIB(4))
		Expect(r.dev.Wait(ctx, ts, device.TimeoutDefault)).To(Succeed())
		Expect(r.dev.IsIdle()).To(BeTrue())
	})
})
