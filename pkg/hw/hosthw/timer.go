// Package hosthw backs the hardware boundary with the host's monotonic
// clock, for real-time endpoints running on a general purpose OS.
package hosthw

import (
	"context"
	"sync"
	"time"

	"github.com/robotalks/linkstack/pkg/hw"
)

// Hz is the counting rate of Timer.
const Hz = 1000000

// Timer counts microseconds since creation. Compare handlers run on their
// own goroutine, the host equivalent of an interrupt.
type Timer struct {
	start time.Time

	lock     sync.Mutex
	timers   [hw.CompareChannels]*time.Timer
	gens     [hw.CompareChannels]uint64
	handlers [hw.CompareChannels]func()
}

// NewTimer creates a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Count implements hw.Timer.
func (t *Timer) Count() uint32 {
	return uint32(time.Since(t.start) / time.Microsecond)
}

// NominalHz implements hw.Timer.
func (t *Timer) NominalHz() uint32 {
	return Hz
}

// SetCompare implements hw.Timer.
func (t *Timer) SetCompare(ch hw.CompareChannel, at uint32) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stopLocked(ch)
	gen := t.gens[ch]
	delay := time.Duration(int32(at-t.Count())) * time.Microsecond
	if delay < 0 {
		delay = 0
	}
	t.timers[ch] = time.AfterFunc(delay, func() {
		t.lock.Lock()
		h := t.handlers[ch]
		stale := gen != t.gens[ch]
		if !stale {
			t.timers[ch] = nil
		}
		t.lock.Unlock()
		if !stale && h != nil {
			h()
		}
	})
}

// ClearCompare implements hw.Timer.
func (t *Timer) ClearCompare(ch hw.CompareChannel) {
	t.lock.Lock()
	t.stopLocked(ch)
	t.lock.Unlock()
}

func (t *Timer) stopLocked(ch hw.CompareChannel) {
	t.gens[ch]++
	if tm := t.timers[ch]; tm != nil {
		tm.Stop()
		t.timers[ch] = nil
	}
}

// HandleCompare implements hw.Timer.
func (t *Timer) HandleCompare(ch hw.CompareChannel, h func()) {
	t.lock.Lock()
	t.handlers[ch] = h
	t.lock.Unlock()
}

// PulseSource derives a 1 PPS reference from the host clock.
type PulseSource struct {
	Timer *Timer

	lock    sync.Mutex
	handler func(uint32)
}

// NewPulseSource creates a PulseSource capturing timer.
func NewPulseSource(timer *Timer) *PulseSource {
	return &PulseSource{Timer: timer}
}

// HandlePulse implements hw.PulseSource.
func (p *PulseSource) HandlePulse(h func(captured uint32)) {
	p.lock.Lock()
	p.handler = h
	p.lock.Unlock()
}

// Run emits pulses until ctx is done.
func (p *PulseSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			captured := p.Timer.Count()
			p.lock.Lock()
			h := p.handler
			p.lock.Unlock()
			if h != nil {
				h(captured)
			}
		}
	}
}
