package simhw

import (
	"time"
)

// PulseGenerator emits one pulse per (slightly inaccurate) second and
// captures the Timer count at each edge.
type PulseGenerator struct {
	Timer *Timer
	PPM   float64
	Phase time.Duration

	next    int64
	handler func(uint32)
}

// NewPulseGenerator creates a PulseGenerator capturing timer.
func NewPulseGenerator(timer *Timer, ppm float64, phase time.Duration) *PulseGenerator {
	return &PulseGenerator{Timer: timer, PPM: ppm, Phase: phase}
}

// HandlePulse implements hw.PulseSource.
func (g *PulseGenerator) HandlePulse(h func(captured uint32)) {
	g.handler = h
}

func (g *PulseGenerator) pulseAt(k int64) time.Duration {
	return g.Phase + time.Duration(float64(k)*float64(time.Second)*(1+g.PPM/1e6))
}

// Advance emits all pulses up to true time now.
func (g *PulseGenerator) Advance(now time.Duration) {
	for at := g.pulseAt(g.next); at <= now; at = g.pulseAt(g.next) {
		g.next++
		if g.handler != nil {
			g.handler(g.Timer.CountAt(at))
		}
	}
}
