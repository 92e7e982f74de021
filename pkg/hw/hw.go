// Package hw defines the hardware boundary consumed by the clock: a
// free-running counter with compare interrupts and a 1 PPS reference.
//
// Handlers are registered per instance; they run in interrupt context and
// must only do O(1) work.
package hw

// CompareChannel selects one of the timer compare units.
type CompareChannel int

// Compare channels used by the synchronized clock.
const (
	CompareTick CompareChannel = iota
	CompareCallback

	CompareChannels
)

// Timer is a free-running 32-bit counter with one-shot compare channels.
type Timer interface {
	// Count returns the current counter value.
	Count() uint32
	// NominalHz is the advertised (untrusted) counting rate.
	NominalHz() uint32
	// SetCompare arms ch to fire once the counter reaches at.
	// A target already passed by less than half the counter range fires
	// immediately.
	SetCompare(ch CompareChannel, at uint32)
	// ClearCompare disarms ch.
	ClearCompare(ch CompareChannel)
	// HandleCompare installs the handler for ch.
	HandleCompare(ch CompareChannel, h func())
}

// PulseSource is a 1 pulse-per-second reference. The handler receives the
// timer count captured at the pulse edge.
type PulseSource interface {
	HandlePulse(h func(captured uint32))
}

// Reached reports whether count has reached target, treating the counter
// as wrapping.
func Reached(count, target uint32) bool {
	return int32(count-target) >= 0
}
