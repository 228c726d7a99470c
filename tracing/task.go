// Package tracing turns the hooks of a device into tasks, log lines, recorded
// rows and metrics.
package tracing

import (
	"time"

	"github.com/sarchlab/cpring/hooking"
)

// Task kinds produced by CollectTrace.
const (
	KindSubmit   = "submit"
	KindReject   = "reject"
	KindRecovery = "recovery"
)

// A TaskStep represents a milestone in the processing of task
type TaskStep struct {
	Time time.Time `json:"time"`
	What string    `json:"what"`
}

// A Task is a piece of work done by a device, for example a submission or a
// recovery.
type Task struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	What      string     `json:"what"`
	Where     string     `json:"where"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Steps     []TaskStep `json:"steps"`
	Detail    any        `json:"-"`
}

// TaskFilter is a function that can filter interesting tasks. If this function
// returns true, the task is considered useful.
type TaskFilter func(t Task) bool

// KindFilter keeps the tasks of one kind.
func KindFilter(kind string) TaskFilter {
	return func(t Task) bool {
		return t.Kind == kind
	}
}

// A Tracer receives tasks.
type Tracer interface {
	StartTask(task Task)
	StepTask(task Task)
	EndTask(task Task)
}

// NamedHookable is a hookable that has a name.
type NamedHookable interface {
	hooking.Hookable
	Name() string
}
