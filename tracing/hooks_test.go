package tracing

import (
	"bytes"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sarchlab/cpring/device"
)

var _ = Describe("LogHook", func() {
	var (
		buf    *bytes.Buffer
		domain *fakeDomain
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		domain = newFakeDomain("gpu0")
	})

	It("should not print submissions unless verbose", func() {
		domain.AcceptHook(NewLogHook(log.New(buf, "", 0), false))

		domain.fire(device.SubmitEvent{ContextID: 1, Timestamp: 1})

		Expect(buf.String()).To(BeEmpty())
	})

	It("should print submissions when verbose", func() {
		domain.AcceptHook(NewLogHook(log.New(buf, "", 0), true))

		domain.fire(device.SubmitEvent{ContextID: 1, Timestamp: 5,
			GlobalTimestamp: 9, Words: 14})

		Expect(buf.String()).To(Equal(
			"gpu0: submit ctx 1 ts 5 global 9, 14 words\n"))
	})

	It("should print recoveries", func() {
		domain.AcceptHook(NewLogHook(log.New(buf, "", 0), false))

		fireRecovery(domain, &manualClock{}, "r1")

		out := buf.String()
		Expect(out).To(ContainSubstring(
			"gpu0: recovery r1 attempt 1 Replaying: replay hung"))
		Expect(out).To(ContainSubstring(
			"gpu0: recovery r1 done in 2s, faulting [2 3], bad replayed false"))
	})
})

var _ = Describe("MetricsHook", func() {
	var (
		reg    *prometheus.Registry
		hook   *MetricsHook
		domain *fakeDomain
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		hook = NewMetricsHook(reg)
		domain = newFakeDomain("gpu0")
		domain.AcceptHook(hook)
	})

	It("should count submissions per context", func() {
		domain.fire(device.SubmitEvent{ContextID: 1, Words: 10, Switch: true})
		domain.fire(device.SubmitEvent{ContextID: 1, Words: 20})
		domain.fire(device.SubmitEvent{ContextID: 2, Words: 5})

		Expect(testutil.ToFloat64(hook.submissions.WithLabelValues("1"))).
			To(Equal(2.0))
		Expect(testutil.ToFloat64(hook.submittedWords)).To(Equal(35.0))
		Expect(testutil.ToFloat64(hook.contextSwitches)).To(Equal(1.0))
	})

	It("should count rejected buffers", func() {
		domain.fire(device.RejectEvent{ContextID: 3})

		Expect(testutil.ToFloat64(hook.rejects.WithLabelValues("3"))).
			To(Equal(1.0))
	})

	It("should describe recoveries", func() {
		fireRecovery(domain, &manualClock{}, "r1")
		domain.fire(device.RecoveryResult{
			RecoveryID: "r2",
			Attempts:   1,
			Err:        errReplay,
			Duration:   time.Millisecond,
		})

		Expect(testutil.ToFloat64(hook.recoveries.WithLabelValues("success"))).
			To(Equal(1.0))
		Expect(testutil.ToFloat64(hook.recoveries.WithLabelValues("failure"))).
			To(Equal(1.0))
		Expect(testutil.ToFloat64(
			hook.recoverySteps.WithLabelValues("Replaying", "failure"))).
			To(Equal(1.0))
		Expect(testutil.ToFloat64(hook.faultingContexts)).To(Equal(2.0))
		Expect(testutil.CollectAndCount(reg, "cpring_recovery_duration_seconds")).
			To(Equal(1))
	})
})
