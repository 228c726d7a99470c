package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/idgen"
	"github.com/sarchlab/cpring/recovery"
)

var rejectIDs = idgen.NewParallel()

// CollectTrace lets the tracer collect tasks from a device.
func CollectTrace(domain NamedHookable, tracer Tracer) {
	hooks := domain.Hooks()
	for _, hook := range hooks {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	h := traceHook{t: tracer, where: domain.Name()}
	domain.AcceptHook(&h)
}

// A traceHook turns device events into tasks.
type traceHook struct {
	t     Tracer
	where string
}

// Func calls the tracer interfaces when the hook is triggered.
//
// A submission or a rejection starts and ends a task at once. A recovery
// starts with its detecting step, steps once per state and ends when it is
// done.
func (h *traceHook) Func(ctx hooking.HookCtx) {
	switch item := ctx.Item.(type) {
	case device.SubmitEvent:
		what := fmt.Sprintf("ctx %d ts %d", item.ContextID, item.Timestamp)
		if item.Switch {
			what = fmt.Sprintf("switch to ctx %d", item.ContextID)
		}

		h.instant(Task{
			ID:     fmt.Sprintf("%s.submit.%d", h.where, item.GlobalTimestamp),
			Kind:   KindSubmit,
			What:   what,
			Detail: item,
		})
	case device.RejectEvent:
		h.instant(Task{
			ID:     rejectIDs.Generate(),
			Kind:   KindReject,
			What:   fmt.Sprintf("ctx %d ib 0x%08X", item.ContextID, item.IB.GPUAddr),
			Detail: item,
		})
	case device.RecoveryStep:
		h.recoveryStep(item)
	case device.RecoveryResult:
		h.t.EndTask(Task{
			ID:     item.RecoveryID,
			Kind:   KindRecovery,
			Where:  h.where,
			Detail: item,
		})
	}
}

func (h *traceHook) instant(task Task) {
	task.Where = h.where
	h.t.StartTask(task)
	h.t.EndTask(task)
}

func (h *traceHook) recoveryStep(step device.RecoveryStep) {
	task := Task{
		ID:     step.RecoveryID,
		Kind:   KindRecovery,
		What:   "recover",
		Where:  h.where,
		Detail: step,
	}

	if step.State == recovery.Detecting {
		h.t.StartTask(task)
		return
	}

	task.Steps = []TaskStep{{What: step.State.String()}}
	h.t.StepTask(task)
}
