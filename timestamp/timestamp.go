// Package timestamp compares wrapping 32-bit timestamps and keeps the host
// side record of issued ones.
package timestamp

import "fmt"

// Cmp compares two timestamps and returns a negative number, zero or a
// positive number when a is before, equal to or after b. The comparison
// looks at the signed distance, so it survives wraparound.
func Cmp(a, b uint32) int {
	d := int32(a - b)

	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	}

	return 0
}

// Reached reports whether current is at or after target.
func Reached(current, target uint32) bool {
	return Cmp(current, target) >= 0
}

// Kind selects which timestamp a read returns.
type Kind int

// Timestamp kinds.
const (
	// Queued is the last value handed to a client.
	Queued Kind = iota

	// Consumed is the last value the command processor read from the ring.
	Consumed

	// Retired is the last value whose work fully completed.
	Retired
)

func (k Kind) String() string {
	switch k {
	case Queued:
		return "queued"
	case Consumed:
		return "consumed"
	case Retired:
		return "retired"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a name produced by String back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "queued":
		return Queued, nil
	case "consumed":
		return Consumed, nil
	case "retired":
		return Retired, nil
	}

	return 0, fmt.Errorf("timestamp: unknown kind %q", s)
}

// A Tracker remembers the last issued timestamp of every slot. Slot 0 is the
// global sequence. It is not safe for concurrent use; the device lock guards
// it.
type Tracker struct {
	issued []uint32
}

// NewTracker creates a tracker for the given number of slots.
func NewTracker(slots uint32) *Tracker {
	return &Tracker{issued: make([]uint32, slots)}
}

// Slots returns the number of slots tracked.
func (t *Tracker) Slots() uint32 {
	return uint32(len(t.issued))
}

// Issue advances the global sequence and, when perContext is set, the
// sequence of slot. Otherwise slot mirrors the global value. It returns the
// value for slot and the new global value.
func (t *Tracker) Issue(slot uint32, perContext bool) (ts, global uint32) {
	t.issued[0]++
	global = t.issued[0]

	if slot == 0 {
		return global, global
	}

	if perContext {
		t.issued[slot]++
	} else {
		t.issued[slot] = global
	}

	return t.issued[slot], global
}

// Last returns the last value issued for slot.
func (t *Tracker) Last(slot uint32) uint32 {
	return t.issued[slot]
}

// Set overwrites the last issued value of slot.
func (t *Tracker) Set(slot uint32, v uint32) {
	t.issued[slot] = v
}

// ResetSlot clears a slot so that a recycled context id starts over.
func (t *Tracker) ResetSlot(slot uint32) {
	t.issued[slot] = 0
}
