package tracing

import (
	"log"

	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/hooking"
)

// LogHook prints device events. Submissions are only printed when Verbose is
// set.
type LogHook struct {
	Logger  *log.Logger
	Verbose bool
}

// NewLogHook creates a LogHook that prints with the given logger.
func NewLogHook(logger *log.Logger, verbose bool) *LogHook {
	return &LogHook{Logger: logger, Verbose: verbose}
}

// Func prints the event of the hook.
func (h *LogHook) Func(ctx hooking.HookCtx) {
	where := "device"
	if d, ok := ctx.Domain.(NamedHookable); ok {
		where = d.Name()
	}

	switch item := ctx.Item.(type) {
	case device.SubmitEvent:
		if !h.Verbose {
			return
		}

		h.Logger.Printf("%s: submit ctx %d ts %d global %d, %d words",
			where, item.ContextID, item.Timestamp, item.GlobalTimestamp,
			item.Words)
	case device.RejectEvent:
		h.Logger.Printf("%s: rejected ib 0x%08X+%d of ctx %d: %v",
			where, item.IB.GPUAddr, item.IB.SizeDwords, item.ContextID, item.Err)
	case device.RecoveryStep:
		if item.Err != nil {
			h.Logger.Printf("%s: recovery %s attempt %d %s: %v",
				where, item.RecoveryID, item.Attempt, item.State, item.Err)
			return
		}

		h.Logger.Printf("%s: recovery %s attempt %d %s",
			where, item.RecoveryID, item.Attempt, item.State)
	case device.RecoveryResult:
		if item.Err != nil {
			h.Logger.Printf("%s: recovery %s failed after %d attempts in %s: %v",
				where, item.RecoveryID, item.Attempts, item.Duration, item.Err)
			return
		}

		h.Logger.Printf("%s: recovery %s done in %s, faulting %v, bad replayed %t",
			where, item.RecoveryID, item.Duration, item.FaultingContexts,
			item.BadReplayed)
	}
}
