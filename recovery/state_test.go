package recovery_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/recovery"
)

var errStep = errors.New("step failed")

var _ = Describe("Next", func() {
	DescribeTable("transitions",
		func(from recovery.State, result error, want recovery.State) {
			Expect(recovery.Next(from, result)).To(Equal(want))
		},
		Entry("idle starts detecting", recovery.Idle, nil, recovery.Detecting),
		Entry("detecting collects", recovery.Detecting, nil, recovery.Collecting),
		Entry("collecting extracts", recovery.Collecting, nil, recovery.Extracting),
		Entry("extracting restarts", recovery.Extracting, nil, recovery.Restarting),
		Entry("restarting replays", recovery.Restarting, nil, recovery.Replaying),
		Entry("replaying reconciles", recovery.Replaying, nil, recovery.Reconciling),
		Entry("reconciling is done", recovery.Reconciling, nil, recovery.Done),
		Entry("a hung replay collects again",
			recovery.Replaying, recovery.ErrRetry, recovery.Collecting),
		Entry("a wrapped retry collects again",
			recovery.Replaying, fmt.Errorf("good: %w", recovery.ErrRetry),
			recovery.Collecting),
		Entry("a failed extraction fails",
			recovery.Extracting, errStep, recovery.Failed),
		Entry("a failed restart fails",
			recovery.Restarting, errStep, recovery.Failed),
		Entry("a retry outside replay fails",
			recovery.Restarting, recovery.ErrRetry, recovery.Failed),
		Entry("done stays done", recovery.Done, errStep, recovery.Done),
		Entry("failed stays failed", recovery.Failed, nil, recovery.Failed),
	)

	It("should name states", func() {
		Expect(recovery.Replaying.String()).To(Equal("Replaying"))
		Expect(recovery.State(42).String()).To(Equal("State(42)"))
	})
})

var _ = Describe("Policy", func() {
	It("should allow any number of attempts by default", func() {
		p := recovery.Policy{}

		Expect(p.Allow(1)).To(BeTrue())
		Expect(p.Allow(1000)).To(BeTrue())
	})

	It("should stop after the limit", func() {
		p := recovery.Policy{MaxAttempts: 2}

		Expect(p.Allow(2)).To(BeTrue())
		Expect(p.Allow(3)).To(BeFalse())
	})
})
