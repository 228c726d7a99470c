package device_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/recovery"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/sarchlab/cpring/snapshot/mock_snapshot"
	"github.com/sarchlab/cpring/timestamp"
	"go.uber.org/mock/gomock"
)

type recoveryLog struct {
	steps   []recovery.State
	results []device.RecoveryResult
}

func (l *recoveryLog) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case device.HookPosRecoveryStep:
		l.steps = append(l.steps, ctx.Item.(device.RecoveryStep).State)
	case device.HookPosRecoveryDone:
		l.results = append(l.results, ctx.Item.(device.RecoveryResult))
	}
}

var _ = Describe("Recovery", func() {
	var (
		mockCtrl *gomock.Controller
		sink     *mock_snapshot.MockSink
		r        *rig
		rlog     *recoveryLog
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sink = mock_snapshot.NewMockSink(mockCtrl)
		rlog = &recoveryLog{}
	})

	AfterEach(func() {
		r.dev.Close()
		mockCtrl.Finish()
	})

	build := func() {
		r = newRig(testConfig(), sink)
		r.dev.AcceptHook(rlog)
	}

	retired := func(id uint32) uint32 {
		ts, err := r.dev.ReadTimestamp(id, timestamp.Retired)
		Expect(err).NotTo(HaveOccurred())

		return ts
	}

	It("should replay healthy contexts and quarantine the faulting one", func() {
		build()

		var capture *snapshot.Capture
		sink.EXPECT().Capture(gomock.Any()).Do(func(c *snapshot.Capture) {
			capture = c
		}).Times(1)

		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)

		faulty := r.newIB(8)
		r.gpu.InjectIBFault(faulty.GPUAddr, true)

		tsA := r.issue(a, faulty)
		ib := r.newIB(8)
		for i := 0; i < 3; i++ {
			r.issue(b, ib)
		}

		Expect(r.dev.Wait(b, 3, device.TimeoutDefault)).To(Succeed())

		Expect(retired(b)).To(Equal(uint32(3)))
		Expect(retired(a)).To(Equal(tsA))

		ctxA, _ := r.dev.Context(a)
		Expect(ctxA.Flags & device.FlagGPUHang).NotTo(BeZero())
		Expect(ctxA.Flags & device.FlagGPUHangRecovered).NotTo(BeZero())
		Expect(ctxA.ResetStatus).To(Equal(device.ResetGuilty))

		ctxB, _ := r.dev.Context(b)
		Expect(ctxB.Flags & device.FlagGPUHang).To(BeZero())
		Expect(ctxB.ResetStatus).To(Equal(device.ResetInnocent))

		_, err := r.dev.IssueIBs(a, []device.IB{ib}, 0)
		Expect(err).To(MatchError(device.ErrDeadlock))

		ts, err := r.dev.IssueCommands(a, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ts).To(Equal(tsA))

		Expect(r.issue(b, ib)).To(Equal(uint32(4)))
		Expect(r.dev.Wait(b, 4, device.TimeoutDefault)).To(Succeed())

		Expect(r.dev.State()).To(Equal(device.StateActive))
		Expect(rlog.results).To(HaveLen(1))
		Expect(rlog.results[0].Err).NotTo(HaveOccurred())
		Expect(rlog.results[0].FaultingContexts).To(Equal([]uint32{a}))
		Expect(rlog.results[0].BadReplayed).To(BeFalse())

		Expect(capture).NotTo(BeNil())
		Expect(capture.ContextID).To(Equal(a))
		Expect(capture.IB1).To(Equal(faulty.GPUAddr))
		Expect(capture.BadWords).To(BeZero())
		Expect(capture.GoodWords).NotTo(BeZero())
		Expect(capture.LastValidContext).To(Equal(b))
		Expect(r.dev.LastCapture()).To(BeIdenticalTo(capture))
	})

	It("should recover when client commands look like a wrap filler", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).AnyTimes()

		a := r.newContext(device.FlagPerContextTimestamps)
		faulty := r.newIB(8)
		r.gpu.InjectIBFault(faulty.GPUAddr, true)
		r.issue(a, faulty)

		offsetOf := func(marker uint32) uint32 {
			before := r.dev.Status().Wptr
			_, err := r.dev.IssueCommands(0, 0, []uint32{marker})
			Expect(err).NotTo(HaveOccurred())

			words := r.dev.RingView().Words
			for p := before; p < r.dev.Status().Wptr; p++ {
				if words[p] == marker {
					return p - before
				}
			}

			Fail("marker not found in the ring")

			return 0
		}

		header := offsetOf(0x1234)
		size := r.dev.Status().RingSize
		p := r.dev.Status().Wptr + header
		fake := pm4.NopPacket(size - p - 1)

		_, err := r.dev.IssueCommands(0, 0, []uint32{fake, 0x1234})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.dev.RingView().Words[p]).To(Equal(fake))

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- r.dev.Recover()
		}()

		Eventually(done, "5s").Should(Receive())
		Expect(rlog.results).NotTo(BeEmpty())
	})

	It("should unblock waiters of a quarantined context", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).AnyTimes()

		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)

		faulty := r.newIB(8)
		r.gpu.InjectIBFault(faulty.GPUAddr, true)

		tsA := r.issue(a, faulty)
		tsB := r.issue(b, r.newIB(8))

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- r.dev.Wait(a, tsA, device.TimeoutDefault)
		}()

		Expect(r.dev.Wait(b, tsB, device.TimeoutDefault)).To(Succeed())
		Eventually(done).Should(Receive(BeNil()))

		Expect(r.dev.Status().Recoveries).To(Equal(uint64(1)))
	})

	It("should replay the faulting context when the hang does not repeat", func() {
		build()

		ctx := r.newContext(
			device.FlagPerContextTimestamps | device.FlagPreamble)

		sink.EXPECT().Capture(gomock.Any()).Do(func(c *snapshot.Capture) {
			Expect(c.ContextID).To(Equal(ctx))
			Expect(c.BadWords).NotTo(BeZero())
		}).Times(1)

		preamble := r.newIB(4)
		for i := 1; i <= 5; i++ {
			ib := r.newIB(8)
			if i == 3 {
				r.gpu.InjectIBFault(ib.GPUAddr, false)
			}

			Expect(r.issue(ctx, preamble, ib)).To(Equal(uint32(i)))
		}

		Expect(r.dev.Wait(ctx, 5, device.TimeoutDefault)).To(Succeed())
		Expect(retired(ctx)).To(BeNumerically(">=", 5))

		status, _ := r.dev.Context(ctx)
		Expect(status.Flags & device.FlagGPUHang).To(BeZero())
		Expect(status.Flags & device.FlagGPUHangRecovered).NotTo(BeZero())
		Expect(status.ResetStatus).To(Equal(device.ResetGuilty))

		Expect(rlog.results).To(HaveLen(1))
		Expect(rlog.results[0].BadReplayed).To(BeTrue())
		Expect(rlog.steps).To(Equal([]recovery.State{
			recovery.Detecting,
			recovery.Collecting,
			recovery.Extracting,
			recovery.Restarting,
			recovery.Replaying,
			recovery.Reconciling,
		}))

		Expect(r.issue(ctx, preamble, r.newIB(8))).To(Equal(uint32(6)))
		Expect(r.dev.Wait(ctx, 6, device.TimeoutDefault)).To(Succeed())
	})

	It("should fall back to healthy commands when the replay hangs again", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).Times(1)

		a := r.newContext(device.FlagPerContextTimestamps | device.FlagPreamble)
		b := r.newContext(device.FlagPerContextTimestamps)

		faulty := r.newIB(8)
		r.gpu.InjectIBFault(faulty.GPUAddr, true)

		tsA := r.issue(a, r.newIB(4), faulty)
		ib := r.newIB(8)
		r.issue(b, ib)
		r.issue(b, ib)

		Expect(r.dev.Wait(b, 2, device.TimeoutDefault)).To(Succeed())
		Expect(retired(b)).To(Equal(uint32(2)))
		Expect(retired(a)).To(Equal(tsA))

		Expect(rlog.results).To(HaveLen(1))
		Expect(rlog.results[0].BadReplayed).To(BeFalse())
		Expect(rlog.results[0].Attempts).To(Equal(1))

		_, err := r.dev.IssueIBs(a, []device.IB{ib}, 0)
		Expect(err).To(MatchError(device.ErrDeadlock))
	})

	It("should retry without the contexts that hang during the replay", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).Times(2)

		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)

		faultyA := r.newIB(8)
		faultyB := r.newIB(8)
		r.gpu.InjectIBFault(faultyA.GPUAddr, true)
		r.gpu.InjectIBFault(faultyB.GPUAddr, true)

		r.issue(a, faultyA)
		tsB := r.issue(b, faultyB)

		Expect(r.dev.Wait(b, tsB, device.TimeoutDefault)).To(Succeed())

		Expect(rlog.results).To(HaveLen(1))
		Expect(rlog.results[0].Attempts).To(Equal(2))
		Expect(rlog.results[0].FaultingContexts).To(ConsistOf(a, b))
		Expect(r.dev.State()).To(Equal(device.StateActive))

		for _, id := range []uint32{a, b} {
			status, _ := r.dev.Context(id)
			Expect(status.Flags & device.FlagGPUHang).NotTo(BeZero())
		}
	})

	It("should give up after the allowed attempts", func() {
		cfg := testConfig()
		cfg.MaxRecoveryAttempts = 1
		r = newRig(cfg, sink)
		r.dev.AcceptHook(rlog)
		sink.EXPECT().Capture(gomock.Any()).Times(1)

		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(device.FlagPerContextTimestamps)

		faultyA := r.newIB(8)
		faultyB := r.newIB(8)
		r.gpu.InjectIBFault(faultyA.GPUAddr, true)
		r.gpu.InjectIBFault(faultyB.GPUAddr, true)

		r.issue(a, faultyA)
		tsB := r.issue(b, faultyB)

		err := r.dev.Wait(b, tsB, device.TimeoutDefault)
		Expect(err).To(MatchError(device.ErrDeviceHung))
		Expect(errors.Is(err, recovery.ErrTooManyAttempts)).To(BeTrue())
		Expect(r.dev.State()).To(Equal(device.StateHung))
	})

	It("should mark the device hung when it cannot restart", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).Times(1)

		a := r.newContext(device.FlagPerContextTimestamps)
		b := r.newContext(0)

		r.gpu.Freeze(true)
		ts := r.issue(a, r.newIB(8))

		err := r.dev.Wait(a, ts, device.TimeoutDefault)
		Expect(err).To(MatchError(device.ErrDeviceHung))
		Expect(r.dev.State()).To(Equal(device.StateHung))

		for _, id := range []uint32{a, b} {
			status, _ := r.dev.Context(id)
			Expect(status.ResetStatus).To(Equal(device.ResetGuilty))
			Expect(status.Flags & device.FlagGPUHang).NotTo(BeZero())
		}

		_, err = r.dev.IssueIBs(a, []device.IB{r.newIB(4)}, 0)
		Expect(err).To(MatchError(device.ErrDeviceHung))

		global, err := r.dev.ReadTimestamp(0, timestamp.Retired)
		Expect(err).NotTo(HaveOccurred())
		ts, err = r.dev.IssueCommands(0, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ts).To(Equal(global))

		Expect(r.dev.Wait(a, 1, 0)).To(Succeed())
		Expect(r.dev.Recover()).To(MatchError(device.ErrDeviceHung))
		Expect(r.dev.Start()).To(MatchError(device.ErrDeviceHung))
		Expect(r.dev.Idle()).To(MatchError(device.ErrDeviceHung))
	})

	It("should recover an idle device without blaming anyone", func() {
		build()
		sink.EXPECT().Capture(gomock.Any()).Times(1)

		ctx := r.newContext(device.FlagPerContextTimestamps)
		ts := r.issue(ctx, r.newIB(4))
		Expect(r.dev.Wait(ctx, ts, device.TimeoutDefault)).To(Succeed())

		Expect(r.dev.Recover()).To(Succeed())

		status, _ := r.dev.Context(ctx)
		Expect(status.Flags & device.FlagGPUHang).To(BeZero())
		Expect(status.ResetStatus).To(Equal(device.ResetInnocent))
		Expect(r.issue(ctx, r.newIB(4))).To(Equal(ts + 1))
	})
})
