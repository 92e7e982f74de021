package sim

import (
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/radio"
)

// MediumStats counts what happened to transmitted frames, per receiver.
type MediumStats struct {
	Transmitted uint64
	Delivered   uint64
	Lost        uint64
	Corrupted   uint64
	Collided    uint64
	Missed      uint64
}

type transmission struct {
	from       *Radio
	data       []byte
	channel    uint8
	start, end time.Duration
	collided   bool
}

// Medium carries frames between simulated radios. Frames arrive after
// their airtime, only at radios listening on the same channel and not
// transmitting themselves. Overlapping frames on a channel collide.
type Medium struct {
	// LossRate is the probability a receiver misses a frame.
	LossRate float64
	// CorruptRate is the probability a delivered frame has a flipped bit.
	CorruptRate float64
	RSSI        int8
	// Blocked drops everything, e.g. to force a link loss.
	Blocked bool

	world    *World
	radios   []*Radio
	inflight []*transmission
	stats    MediumStats
}

// Stats returns the counters.
func (m *Medium) Stats() MediumStats {
	return m.stats
}

func (m *Medium) transmit(from *Radio, data []byte, ch uint8, airtime time.Duration) {
	now := m.world.Now()
	t := &transmission{
		from:    from,
		data:    append([]byte(nil), data...),
		channel: ch,
		start:   now,
		end:     now + airtime,
	}
	for _, other := range m.inflight {
		if other.channel == ch && other.end > t.start {
			other.collided, t.collided = true, true
		}
	}
	m.inflight = append(m.inflight, t)
	m.stats.Transmitted++
}

func (m *Medium) advance(now time.Duration) {
	if len(m.inflight) == 0 {
		return
	}
	var done []*transmission
	remaining := m.inflight[:0]
	for _, t := range m.inflight {
		if t.end <= now {
			done = append(done, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.inflight = remaining
	for _, t := range done {
		for _, r := range m.radios {
			if r != t.from {
				m.deliver(t, r)
			}
		}
		t.from.txDone()
	}
}

func (m *Medium) deliver(t *transmission, r *Radio) {
	rand := m.world.rand
	switch {
	case !r.started || r.rxChannel != t.channel || r.txUntil > t.start:
		m.stats.Missed++
		return
	case t.collided:
		m.stats.Collided++
		return
	case m.Blocked || rand.Float64() < m.LossRate:
		m.stats.Lost++
		return
	}
	data := append([]byte(nil), t.data...)
	if rand.Float64() < m.CorruptRate {
		data[rand.Intn(len(data))] ^= 1 << uint(rand.Intn(8))
		m.stats.Corrupted++
	}
	m.stats.Delivered++
	if !r.ev.OnRx(data, r.stamp(), m.RSSI) {
		glog.V(2).Infof("%s: frame not taken", r.name)
	}
}

// Radio is a simulated transceiver attached to a Medium.
type Radio struct {
	name     string
	medium   *Medium
	channels radio.ChannelRange
	airtime  radio.Airtime

	ev        radio.Events
	stamp     radio.Stamp
	started   bool
	rxChannel uint8
	txUntil   time.Duration
	txActive  bool
}

// Attach implements radio.Transceiver.
func (r *Radio) Attach(ev radio.Events, stamp radio.Stamp) {
	r.ev, r.stamp = ev, stamp
}

// Start implements radio.Transceiver.
func (r *Radio) Start() bool {
	if r.ev == nil {
		return false
	}
	r.started = true
	return true
}

// Stop implements radio.Transceiver.
func (r *Radio) Stop() {
	r.started = false
}

// Channels implements radio.Transceiver.
func (r *Radio) Channels() radio.ChannelRange {
	return r.channels
}

// TxAvailable implements radio.Transceiver.
func (r *Radio) TxAvailable() bool {
	return r.started && !r.txActive
}

// Tx implements radio.Transceiver.
func (r *Radio) Tx(data []byte, ch uint8) bool {
	if !r.TxAvailable() || !r.channels.Contains(ch) || len(data) == 0 {
		return false
	}
	airtime := time.Duration(r.GetTransmitDurationMicros(len(data))) * time.Microsecond
	r.txActive = true
	r.txUntil = r.medium.world.Now() + airtime
	r.medium.transmit(r, data, ch, airtime)
	return true
}

func (r *Radio) txDone() {
	r.txActive = false
	if r.ev != nil {
		r.ev.OnTx()
	}
}

// Rx implements radio.Transceiver.
func (r *Radio) Rx(ch uint8) {
	r.rxChannel = ch
}

// RxChannel returns the channel listened on.
func (r *Radio) RxChannel() uint8 {
	return r.rxChannel
}

// GetTransmitDurationMicros implements radio.Transceiver.
func (r *Radio) GetTransmitDurationMicros(size int) uint32 {
	return r.airtime.Micros(size)
}
