package tracing

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/cpring/datarecording"
	"github.com/sarchlab/cpring/device"
)

var _ = Describe("DBTracer", func() {
	var (
		path     string
		clock    *manualClock
		domain   *fakeDomain
		recorder datarecording.DataRecorder
		tracer   *DBTracer
	)

	BeforeEach(func() {
		var err error

		path = filepath.Join(GinkgoT().TempDir(), "trace")
		recorder, err = datarecording.New(path)
		Expect(err).NotTo(HaveOccurred())

		clock = &manualClock{now: time.Unix(10, 0)}
		domain = newFakeDomain("gpu0")
		tracer = NewDBTracer(clock, recorder, nil)
		CollectTrace(domain, tracer)
	})

	read := func(table string, sample any) []any {
		reader, err := datarecording.NewReader(path + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable(table, sample)
		rows, _, err := reader.Query(context.Background(), table,
			datarecording.QueryParams{OrderBy: "rowid"})
		Expect(err).NotTo(HaveOccurred())

		return rows
	}

	It("should panic on tasks without a location", func() {
		Expect(func() {
			tracer.StartTask(Task{ID: "1", Kind: KindSubmit})
		}).To(Panic())
	})

	It("should store submissions, steps and recoveries", func() {
		domain.fire(device.SubmitEvent{ContextID: 1, Timestamp: 1,
			GlobalTimestamp: 2})
		fireRecovery(domain, clock, "r1")
		Expect(recorder.Close()).To(Succeed())

		tasks := read(TableTasks, TaskRow{})
		Expect(tasks).To(HaveLen(2))
		Expect(tasks[0].(*TaskRow).ID).To(Equal("gpu0.submit.2"))
		Expect(tasks[0].(*TaskRow).Location).To(Equal("gpu0"))
		recoveryTask := tasks[1].(*TaskRow)
		Expect(recoveryTask.Kind).To(Equal(KindRecovery))
		Expect(recoveryTask.EndNs - recoveryTask.StartNs).
			To(Equal(int64(2 * time.Second)))

		Expect(read(TableTaskSteps, TaskStepRow{})).To(HaveLen(9))

		recoveries := read(TableRecoveries, RecoveryRow{})
		Expect(recoveries).To(HaveLen(1))
		row := recoveries[0].(*RecoveryRow)
		Expect(row.RecoveryID).To(Equal("r1"))
		Expect(row.Device).To(Equal("gpu0"))
		Expect(row.Attempts).To(Equal(2))
		Expect(row.FaultingContexts).To(Equal("2,3"))
		Expect(row.Succeeded).To(BeTrue())
		Expect(row.DurationNs).To(Equal(int64(2 * time.Second)))
	})

	It("should skip filtered tasks", func() {
		recorder2, err := datarecording.New(path + "2")
		Expect(err).NotTo(HaveOccurred())

		filtered := NewDBTracer(clock, recorder2, KindFilter(KindRecovery))
		filtered.StartTask(Task{ID: "s", Kind: KindSubmit, Where: "gpu0"})
		filtered.EndTask(Task{ID: "s", Kind: KindSubmit, Where: "gpu0"})
		Expect(recorder2.Close()).To(Succeed())

		path += "2"
		Expect(read(TableTasks, TaskRow{})).To(BeEmpty())
	})
})
