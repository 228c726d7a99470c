package timing

import (
	"sync"
	"time"
)

// Clock is what polling loops use to tell time and to wait.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// WallClock is the real time clock.
type WallClock struct{}

// Now returns time.Now().
func (WallClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks the calling goroutine for d.
func (WallClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SimClock derives time from a SerialEngine. Sleeping advances the engine, so
// a host that waits for simulated hardware drives it forward.
type SimClock struct {
	lock   sync.Mutex
	engine *SerialEngine
	freq   Freq
	epoch  time.Time
}

// NewSimClock creates a clock over the engine where one cycle lasts one
// period of freq.
func NewSimClock(engine *SerialEngine, freq Freq) *SimClock {
	return &SimClock{
		engine: engine,
		freq:   freq,
		epoch:  time.Unix(0, 0).UTC(),
	}
}

// Engine returns the engine the clock drives.
func (c *SimClock) Engine() *SerialEngine {
	return c.engine
}

// Freq returns the cycle frequency.
func (c *SimClock) Freq() Freq {
	return c.freq
}

// Now returns the epoch plus the simulated time elapsed.
func (c *SimClock) Now() time.Time {
	return c.epoch.Add(c.freq.Duration(c.engine.CurrentTime()))
}

// Sleep runs the engine for d worth of cycles. Concurrent sleepers take turns
// so that each one advances the shared timeline by its own amount.
func (c *SimClock) Sleep(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	target := c.engine.CurrentTime() + c.freq.Cycles(d)
	_ = c.engine.RunUntil(target)
}

var (
	_ Clock = WallClock{}
	_ Clock = (*SimClock)(nil)
)
