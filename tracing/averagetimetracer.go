package tracing

import (
	"sync"
	"time"

	"github.com/sarchlab/cpring/timing"
)

// AverageTimeTracer can collect the average time of executing a certain type
// of task.
type AverageTimeTracer struct {
	clock         timing.Clock
	filter        TaskFilter
	lock          sync.Mutex
	averageTime   time.Duration
	totalTime     time.Duration
	inflightTasks map[string]Task
	taskCount     uint64
}

// NewAverageTimeTracer creates a new AverageTimeTracer
func NewAverageTimeTracer(
	clock timing.Clock,
	filter TaskFilter,
) *AverageTimeTracer {
	t := &AverageTimeTracer{
		clock:         clock,
		filter:        filter,
		inflightTasks: make(map[string]Task),
	}

	return t
}

// AverageTime returns the average time spent on the finished tasks.
func (t *AverageTimeTracer) AverageTime() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.averageTime
}

// TotalTime returns the time spent on the finished tasks. Overlapping tasks
// are simply added together.
func (t *AverageTimeTracer) TotalTime() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.totalTime
}

// TotalCount returns the total number of finished tasks.
func (t *AverageTimeTracer) TotalCount() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskCount
}

// StartTask records the task start time
func (t *AverageTimeTracer) StartTask(task Task) {
	task.StartTime = t.clock.Now()

	if !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask does nothing
func (t *AverageTimeTracer) StepTask(_ Task) {
	// Do nothing
}

// EndTask records the end of the task
func (t *AverageTimeTracer) EndTask(task Task) {
	task.EndTime = t.clock.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	taskTime := task.EndTime.Sub(originalTask.StartTime)
	t.totalTime += taskTime
	t.averageTime = time.Duration(
		(float64(t.averageTime)*float64(t.taskCount) + float64(taskTime)) /
			float64(t.taskCount+1))
	delete(t.inflightTasks, task.ID)
	t.taskCount++
}
