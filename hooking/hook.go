// Package hooking lets observers attach to the lifecycle points of a device
// without the device knowing what they do.
package hooking

import "sync"

// HookPos names a point at which a Hookable raises its hooks.
type HookPos struct {
	Name string
}

// HookCtx describes one invocation of the hooks.
type HookCtx struct {
	// Domain is the object raising the hook.
	Domain Hookable

	// Pos identifies where the hook fires from.
	Pos *HookPos

	// Item is the primary subject, for example a submission or a recovery.
	Item any

	// Detail carries optional extra data. Hook sites may leave it nil.
	Detail any
}

// Hookable is an object that accepts hooks.
type Hookable interface {
	// AcceptHook registers a hook. Hooks cannot be removed once attached.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns the registered hooks.
	Hooks() []Hook

	// InvokeHook calls every registered hook with the given context.
	InvokeHook(ctx HookCtx)
}

// Hook is a piece of code that runs when a Hookable raises a hook.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// HookableBase implements Hookable and is meant to be embedded.
type HookableBase struct {
	lock     sync.RWMutex
	hookList []Hook
}

// NewHookableBase creates a HookableBase object.
func NewHookableBase() *HookableBase {
	return &HookableBase{hookList: make([]Hook, 0)}
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.hookList)
}

// Hooks returns a copy of the registered hooks.
func (h *HookableBase) Hooks() []Hook {
	h.lock.RLock()
	defer h.lock.RUnlock()

	hooks := make([]Hook, len(h.hookList))
	copy(hooks, h.hookList)

	return hooks
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, existing := range h.hookList {
		if sameHook(existing, hook) {
			panic("duplicated hook")
		}
	}

	h.hookList = append(h.hookList, hook)
}

// sameHook compares hooks without panicking on uncomparable dynamic types
// such as HookFunc.
func sameHook(a, b Hook) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()

	return a == b
}

// InvokeHook calls the registered hooks in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.lock.RLock()
	hooks := h.hookList
	h.lock.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}

var _ Hookable = (*HookableBase)(nil)
