package tracing

import (
	"sync"
)

// StepCountTracer counts how many times each step is reached and how many
// tasks reach it. For recoveries, the steps are the recovery states.
type StepCountTracer struct {
	filter            TaskFilter
	lock              sync.Mutex
	inflightTasks     map[string]*Task
	stepNames         []string
	stepCount         map[string]uint64
	taskWithStepCount map[string]uint64
}

// NewStepCountTracer creates a new StepCountTracer
func NewStepCountTracer(filter TaskFilter) *StepCountTracer {
	t := &StepCountTracer{
		filter:            filter,
		inflightTasks:     make(map[string]*Task),
		stepCount:         make(map[string]uint64),
		taskWithStepCount: make(map[string]uint64),
	}

	return t
}

// StepNames returns all the step names collected, in the order they were
// first seen.
func (t *StepCountTracer) StepNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.stepNames...)
}

// StepCount returns the number of steps that is recorded with a certain step
// name.
func (t *StepCountTracer) StepCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.stepCount[stepName]
}

// TaskCount returns the number of tasks that is recorded to have a certain
// step with a given name.
func (t *StepCountTracer) TaskCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskWithStepCount[stepName]
}

// StartTask records the task
func (t *StepCountTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = &task
	t.lock.Unlock()
}

// StepTask counts the step of an inflight task.
func (t *StepCountTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	for _, step := range task.Steps {
		if _, seen := t.stepCount[step.What]; !seen {
			t.stepNames = append(t.stepNames, step.What)
		}
		t.stepCount[step.What]++

		if !taskContainsStep(originalTask, step) {
			t.taskWithStepCount[step.What]++
		}

		originalTask.Steps = append(originalTask.Steps, step)
	}
}

func taskContainsStep(task *Task, step TaskStep) bool {
	for _, s := range task.Steps {
		if s.What == step.What {
			return true
		}
	}

	return false
}

// EndTask forgets the task
func (t *StepCountTracer) EndTask(task Task) {
	t.lock.Lock()
	delete(t.inflightTasks, task.ID)
	t.lock.Unlock()
}
