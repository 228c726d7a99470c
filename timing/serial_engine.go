package timing

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sarchlab/cpring/hooking"
)

// HookPosBeforeEvent fires right before an event is handled.
var HookPosBeforeEvent = &hooking.HookPos{Name: "BeforeEvent"}

// HookPosAfterEvent fires right after an event is handled.
var HookPosAfterEvent = &hooking.HookPos{Name: "AfterEvent"}

// SerialEngine processes scheduled events one at a time in time order.
type SerialEngine struct {
	*hooking.HookableBase

	lock      sync.Mutex
	runLock   sync.Mutex
	now       VTimeInCycle
	primary   *eventQueue
	secondary *eventQueue
}

// NewSerialEngine creates a SerialEngine.
func NewSerialEngine() *SerialEngine {
	return &SerialEngine{
		HookableBase: hooking.NewHookableBase(),
		primary:      newEventQueue(),
		secondary:    newEventQueue(),
	}
}

// Schedule registers an event to be handled in the future. Scheduling in the
// past panics.
func (e *SerialEngine) Schedule(evt ScheduledEvent) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if evt.Time < e.now {
		panic(fmt.Sprintf(
			"timing: cannot schedule event in the past, evt %s @ %d, now %d",
			reflect.TypeOf(evt.Event), evt.Time, e.now,
		))
	}

	eventCopy := evt
	if evt.IsSecondary {
		e.secondary.Push(&eventCopy)
		return
	}

	e.primary.Push(&eventCopy)
}

// ScheduleAfter schedules evt delay cycles after the current time. The time
// is taken under the engine lock, so it is safe to call while another
// goroutine runs the engine.
func (e *SerialEngine) ScheduleAfter(delay VTimeInCycle, evt ScheduledEvent) {
	e.lock.Lock()
	defer e.lock.Unlock()

	evt.Time = e.now + delay
	if evt.IsSecondary {
		e.secondary.Push(&evt)
		return
	}

	e.primary.Push(&evt)
}

// CurrentTime returns the current cycle.
func (e *SerialEngine) CurrentTime() VTimeInCycle {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.now
}

// Pending returns the number of events that have not run yet.
func (e *SerialEngine) Pending() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.primary.Len() + e.secondary.Len()
}

// Run processes events until the queue is empty.
func (e *SerialEngine) Run() error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	for {
		evt := e.popUntil(nil)
		if evt == nil {
			return nil
		}

		e.dispatch(evt)
	}
}

// RunUntil processes every event scheduled at or before t, then moves the
// current time to t. Events scheduled by handlers during the call are
// processed too if they fall within the window.
func (e *SerialEngine) RunUntil(t VTimeInCycle) error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	for {
		evt := e.popUntil(&t)
		if evt == nil {
			break
		}

		e.dispatch(evt)
	}

	return nil
}

func (e *SerialEngine) popUntil(limit *VTimeInCycle) *ScheduledEvent {
	e.lock.Lock()
	defer e.lock.Unlock()

	var q *eventQueue

	switch {
	case e.primary.Len() == 0 && e.secondary.Len() == 0:
		e.advance(limit)
		return nil
	case e.primary.Len() == 0:
		q = e.secondary
	case e.secondary.Len() == 0:
		q = e.primary
	case e.primary.Peek().Time <= e.secondary.Peek().Time:
		q = e.primary
	default:
		q = e.secondary
	}

	if limit != nil && q.Peek().Time > *limit {
		e.advance(limit)
		return nil
	}

	evt := q.Pop()
	if evt.Time < e.now {
		panic(fmt.Sprintf(
			"timing: cannot run event in the past, evt %s @ %d, now %d",
			reflect.TypeOf(evt.Event), evt.Time, e.now,
		))
	}

	e.now = evt.Time

	return evt
}

// advance moves the time to limit once nothing is left before it. It runs
// under the same lock as the last pop so that no event can slip in between.
func (e *SerialEngine) advance(limit *VTimeInCycle) {
	if limit != nil && *limit > e.now {
		e.now = *limit
	}
}

func (e *SerialEngine) dispatch(evt *ScheduledEvent) {
	hookCtx := hooking.HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	if evt.Handler != nil {
		_ = evt.Handler.Handle(evt.Event)
	}

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)
}
