// Package diag collects link diagnostics. Dropped frames and failed
// handshakes never surface as errors; they are only tallied here.
package diag

import (
	"sort"
	"sync"

	"github.com/robotalks/linkstack/pkg/packet"
)

// DropReason classifies a dropped inbound frame.
type DropReason string

// Drop reasons.
const (
	DropShort   DropReason = "short"
	DropMAC     DropReason = "mac"
	DropUnknown DropReason = "unknown_header"
	DropSize    DropReason = "size"
	DropLevel   DropReason = "level"
	DropOverrun DropReason = "overrun"
	DropRxFail  DropReason = "rx_fail"
)

// Recorder receives diagnostic events.
type Recorder interface {
	FrameDropped(reason DropReason)
	FrameReceived(h packet.Header)
	FrameSent(h packet.Header)
	SendResult(h packet.Header, result string)
	LinkState(state string, linked bool)
	HandshakeFailed(stage, reason string)
	ClockOffset(micros int64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) FrameDropped(DropReason)          {}
func (Nop) FrameReceived(packet.Header)      {}
func (Nop) FrameSent(packet.Header)          {}
func (Nop) SendResult(packet.Header, string) {}
func (Nop) LinkState(string, bool)           {}
func (Nop) HandshakeFailed(string, string)   {}
func (Nop) ClockOffset(int64)                {}

// Multi fans events out to several recorders.
type Multi []Recorder

func (m Multi) FrameDropped(reason DropReason) {
	for _, r := range m {
		r.FrameDropped(reason)
	}
}

func (m Multi) FrameReceived(h packet.Header) {
	for _, r := range m {
		r.FrameReceived(h)
	}
}

func (m Multi) FrameSent(h packet.Header) {
	for _, r := range m {
		r.FrameSent(h)
	}
}

func (m Multi) SendResult(h packet.Header, result string) {
	for _, r := range m {
		r.SendResult(h, result)
	}
}

func (m Multi) LinkState(state string, linked bool) {
	for _, r := range m {
		r.LinkState(state, linked)
	}
}

func (m Multi) HandshakeFailed(stage, reason string) {
	for _, r := range m {
		r.HandshakeFailed(stage, reason)
	}
}

func (m Multi) ClockOffset(micros int64) {
	for _, r := range m {
		r.ClockOffset(micros)
	}
}

// Counters keeps in-memory tallies.
type Counters struct {
	lock       sync.Mutex
	drops      map[DropReason]uint64
	received   uint64
	sent       uint64
	results    map[string]uint64
	failures   map[string]uint64
	links      uint64
	state      string
	lastOffset int64
}

// NewCounters creates Counters.
func NewCounters() *Counters {
	return &Counters{
		drops:    make(map[DropReason]uint64),
		results:  make(map[string]uint64),
		failures: make(map[string]uint64),
	}
}

func (c *Counters) FrameDropped(reason DropReason) {
	c.lock.Lock()
	c.drops[reason]++
	c.lock.Unlock()
}

func (c *Counters) FrameReceived(packet.Header) {
	c.lock.Lock()
	c.received++
	c.lock.Unlock()
}

func (c *Counters) FrameSent(packet.Header) {
	c.lock.Lock()
	c.sent++
	c.lock.Unlock()
}

func (c *Counters) SendResult(_ packet.Header, result string) {
	c.lock.Lock()
	c.results[result]++
	c.lock.Unlock()
}

func (c *Counters) LinkState(state string, linked bool) {
	c.lock.Lock()
	if linked && c.state != state {
		c.links++
	}
	c.state = state
	c.lock.Unlock()
}

func (c *Counters) HandshakeFailed(stage, reason string) {
	c.lock.Lock()
	c.failures[stage+"/"+reason]++
	c.lock.Unlock()
}

func (c *Counters) ClockOffset(micros int64) {
	c.lock.Lock()
	c.lastOffset = micros
	c.lock.Unlock()
}

// Snapshot is a copy of the Counters.
type Snapshot struct {
	Drops             map[DropReason]uint64
	Received          uint64
	Sent              uint64
	Results           map[string]uint64
	HandshakeFailures map[string]uint64
	Links             uint64
	State             string
	LastOffsetMicros  int64
}

// TotalDrops sums all drop reasons.
func (s Snapshot) TotalDrops() uint64 {
	var n uint64
	for _, v := range s.Drops {
		n += v
	}
	return n
}

// DropReasons returns the observed reasons in order.
func (s Snapshot) DropReasons() []DropReason {
	reasons := make([]DropReason, 0, len(s.Drops))
	for r := range s.Drops {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := Snapshot{
		Drops:             make(map[DropReason]uint64, len(c.drops)),
		Received:          c.received,
		Sent:              c.sent,
		Results:           make(map[string]uint64, len(c.results)),
		HandshakeFailures: make(map[string]uint64, len(c.failures)),
		Links:             c.links,
		State:             c.state,
		LastOffsetMicros:  c.lastOffset,
	}
	for k, v := range c.drops {
		s.Drops[k] = v
	}
	for k, v := range c.results {
		s.Results[k] = v
	}
	for k, v := range c.failures {
		s.HandshakeFailures[k] = v
	}
	return s
}
