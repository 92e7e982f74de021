// Package simhw provides virtual-time hardware driven by a simulation:
// a drifting counter and a 1 PPS reference.
package simhw

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/robotalks/linkstack/pkg/hw"
)

// Timer is a virtual free-running counter. Its rate deviates from Hz by
// PPM parts per million; time only advances through Advance.
type Timer struct {
	Hz     uint32
	PPM    float64
	Offset uint32

	lock     sync.Mutex
	now      time.Duration
	armed    [hw.CompareChannels]bool
	targets  [hw.CompareChannels]uint32
	handlers [hw.CompareChannels]func()
}

// NewTimer creates a Timer.
func NewTimer(hz uint32, ppm float64, offset uint32) *Timer {
	return &Timer{Hz: hz, PPM: ppm, Offset: offset}
}

// CountAt computes the counter value at true time now.
func (t *Timer) CountAt(now time.Duration) uint32 {
	if now < 0 {
		now = 0
	}
	hi, lo := bits.Mul64(uint64(now), uint64(t.Hz))
	whole, rem := bits.Div64(hi, lo, uint64(time.Second))
	drift := float64(now) * float64(t.Hz) * t.PPM / 1e15
	ticks := int64(whole) + int64(math.Floor(float64(rem)/float64(time.Second)+drift))
	return t.Offset + uint32(ticks)
}

// Count implements hw.Timer.
func (t *Timer) Count() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.CountAt(t.now)
}

// NominalHz implements hw.Timer.
func (t *Timer) NominalHz() uint32 {
	return t.Hz
}

// SetCompare implements hw.Timer.
func (t *Timer) SetCompare(ch hw.CompareChannel, at uint32) {
	t.lock.Lock()
	t.armed[ch], t.targets[ch] = true, at
	t.lock.Unlock()
}

// ClearCompare implements hw.Timer.
func (t *Timer) ClearCompare(ch hw.CompareChannel) {
	t.lock.Lock()
	t.armed[ch] = false
	t.lock.Unlock()
}

// HandleCompare implements hw.Timer.
func (t *Timer) HandleCompare(ch hw.CompareChannel, h func()) {
	t.lock.Lock()
	t.handlers[ch] = h
	t.lock.Unlock()
}

// Advance moves the timer to true time now and fires reached compares.
func (t *Timer) Advance(now time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.now = now
	count := t.CountAt(now)
	for fired := true; fired; {
		fired = false
		for ch := hw.CompareChannel(0); ch < hw.CompareChannels; ch++ {
			if !t.armed[ch] || !hw.Reached(count, t.targets[ch]) {
				continue
			}
			t.armed[ch] = false
			fired = true
			if h := t.handlers[ch]; h != nil {
				t.lock.Unlock()
				h()
				t.lock.Lock()
			}
		}
	}
}
