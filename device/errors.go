package device

import "errors"

// Errors returned by the client API.
var (
	// ErrInvalidArgument is returned for unknown contexts, empty submissions,
	// rejected indirect buffers and waits on timestamps never issued.
	ErrInvalidArgument = errors.New("device: invalid argument")

	// ErrDeadlock is returned for submissions from a context that caused a
	// hang.
	ErrDeadlock = errors.New("device: context caused a gpu hang")

	// ErrDeviceHung is returned once recovery failed for good.
	ErrDeviceHung = errors.New("device: hung")

	// ErrTimeout is returned by a zero-timeout wait on a timestamp that has
	// not retired.
	ErrTimeout = errors.New("device: timestamp not retired")

	// ErrNotStarted is returned for submissions while the ring is stopped.
	ErrNotStarted = errors.New("device: not started")

	// ErrNoContext is returned when every context id is in use.
	ErrNoContext = errors.New("device: out of context ids")
)

// errStalled reports a stall seen while a recovery is already running, or
// before the device is active.
var errStalled = errors.New("device: command processor stalled")

// errReplayed reports a recovery during a submission that left another
// context owning the GPU. The submission starts over from its context switch.
var errReplayed = errors.New("device: ring replayed under the submitter")
