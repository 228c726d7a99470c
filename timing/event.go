package timing

// Handler processes events. Events are plain data and handlers type switch on
// them.
type Handler interface {
	Handle(event any) error
}

// TimeTeller exposes the current cycle.
type TimeTeller interface {
	CurrentTime() VTimeInCycle
}

// EventScheduler schedules events on the timeline.
type EventScheduler interface {
	TimeTeller
	Schedule(event ScheduledEvent)
}

// ScheduledEvent wraps a user event with its delivery time and handler.
type ScheduledEvent struct {
	Event   any
	Time    VTimeInCycle
	Handler Handler

	// IsSecondary events run after all primary events of the same cycle.
	IsSecondary bool
}
