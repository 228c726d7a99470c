package tracing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sarchlab/cpring/datarecording"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/timing"
	"github.com/tebeka/atexit"
)

// Tables written by DBTracer.
const (
	TableTasks      = "tasks"
	TableTaskSteps  = "task_steps"
	TableRecoveries = "recoveries"
)

// TaskRow is a finished task in TableTasks.
type TaskRow struct {
	ID       string
	Kind     string
	What     string
	Location string
	StartNs  int64
	EndNs    int64
}

// TaskStepRow is a step of a task in TableTaskSteps.
type TaskStepRow struct {
	TaskID string
	What   string
	TimeNs int64
}

// RecoveryRow is a finished recovery in TableRecoveries.
type RecoveryRow struct {
	RecoveryID       string
	Device           string
	Attempts         int
	FaultingContexts string
	BadReplayed      bool
	Succeeded        bool
	Err              string
	DurationNs       int64
}

// DBTracer is a tracer that stores tasks through a DataRecorder.
type DBTracer struct {
	mu      sync.Mutex
	clock   timing.Clock
	backend datarecording.DataRecorder
	filter  TaskFilter

	tracingTasks map[string]Task
}

// NewDBTracer creates the tables and returns the tracer. A nil filter keeps
// every task.
func NewDBTracer(
	clock timing.Clock,
	dataRecorder datarecording.DataRecorder,
	filter TaskFilter,
) *DBTracer {
	dataRecorder.CreateTable(TableTasks, TaskRow{})
	dataRecorder.CreateTable(TableTaskSteps, TaskStepRow{})
	dataRecorder.CreateTable(TableRecoveries, RecoveryRow{})

	if filter == nil {
		filter = func(Task) bool { return true }
	}

	t := &DBTracer{
		clock:        clock,
		backend:      dataRecorder,
		filter:       filter,
		tracingTasks: make(map[string]Task),
	}

	atexit.Register(func() {
		t.Terminate()
	})

	return t
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	startingTaskMustBeValid(task)

	if !t.filter(task) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	task.StartTime = t.clock.Now()
	t.tracingTasks[task.ID] = task
}

func startingTaskMustBeValid(task Task) {
	if task.ID == "" {
		panic("task ID must be set")
	}

	if task.Kind == "" {
		panic("task kind must be set")
	}

	if task.Where == "" {
		panic("task location must be set")
	}
}

// StepTask writes the steps of a task.
func (t *DBTracer) StepTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tracingTasks[task.ID]; !ok {
		return
	}

	now := t.clock.Now().UnixNano()
	for _, step := range task.Steps {
		t.backend.InsertData(TableTaskSteps, TaskStepRow{
			TaskID: task.ID,
			What:   step.What,
			TimeNs: now,
		})
	}
}

// EndTask writes the task. Finished recoveries also get a row in
// TableRecoveries.
func (t *DBTracer) EndTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, task.ID)

	t.backend.InsertData(TableTasks, TaskRow{
		ID:       originalTask.ID,
		Kind:     originalTask.Kind,
		What:     originalTask.What,
		Location: originalTask.Where,
		StartNs:  originalTask.StartTime.UnixNano(),
		EndNs:    t.clock.Now().UnixNano(),
	})

	if result, ok := task.Detail.(device.RecoveryResult); ok {
		t.backend.InsertData(TableRecoveries,
			recoveryRow(originalTask.Where, result))
	}
}

func recoveryRow(where string, r device.RecoveryResult) RecoveryRow {
	ids := make([]string, len(r.FaultingContexts))
	for i, id := range r.FaultingContexts {
		ids[i] = fmt.Sprint(id)
	}

	row := RecoveryRow{
		RecoveryID:       r.RecoveryID,
		Device:           where,
		Attempts:         r.Attempts,
		FaultingContexts: strings.Join(ids, ","),
		BadReplayed:      r.BadReplayed,
		Succeeded:        r.Err == nil,
		DurationNs:       r.Duration.Nanoseconds(),
	}

	if r.Err != nil {
		row.Err = r.Err.Error()
	}

	return row
}

// Terminate drops unfinished tasks and flushes the backend.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks = make(map[string]Task)
	t.backend.Flush()
}
