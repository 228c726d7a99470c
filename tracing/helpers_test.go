package tracing

import (
	"errors"
	"time"

	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/recovery"
)

type fakeDomain struct {
	*hooking.HookableBase
	name string
}

func newFakeDomain(name string) *fakeDomain {
	return &fakeDomain{HookableBase: hooking.NewHookableBase(), name: name}
}

func (d *fakeDomain) Name() string {
	return d.name
}

func (d *fakeDomain) fire(item any) {
	d.InvokeHook(hooking.HookCtx{Domain: d, Item: item})
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
}

var errReplay = errors.New("replay hung")

// fireRecovery raises the hooks of a recovery that needs two attempts, one
// second each.
func fireRecovery(d *fakeDomain, clock *manualClock, id string) {
	steps := []struct {
		attempt int
		state   recovery.State
		err     error
	}{
		{0, recovery.Detecting, nil},
		{1, recovery.Collecting, nil},
		{1, recovery.Extracting, nil},
		{1, recovery.Restarting, nil},
		{1, recovery.Replaying, errReplay},
		{2, recovery.Collecting, nil},
		{2, recovery.Extracting, nil},
		{2, recovery.Restarting, nil},
		{2, recovery.Replaying, nil},
		{2, recovery.Reconciling, nil},
	}

	for _, s := range steps {
		d.fire(device.RecoveryStep{
			RecoveryID: id,
			Attempt:    s.attempt,
			State:      s.state,
			Err:        s.err,
		})

		if s.state == recovery.Replaying {
			clock.Sleep(time.Second)
		}
	}

	d.fire(device.RecoveryResult{
		RecoveryID:       id,
		Attempts:         2,
		FaultingContexts: []uint32{2, 3},
		Duration:         2 * time.Second,
	})
}
