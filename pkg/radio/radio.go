// Package radio defines the transceiver boundary.
package radio

import "time"

// ChannelRange is the span of channels supported by a driver.
type ChannelRange struct {
	Min   uint8
	Count uint8
}

// Contains checks if ch is inside the range.
func (r ChannelRange) Contains(ch uint8) bool {
	return ch >= r.Min && int(ch) < int(r.Min)+int(r.Count)
}

// Map maps an abstract value into the range.
func (r ChannelRange) Map(v uint8) uint8 {
	if r.Count == 0 {
		return r.Min
	}
	return r.Min + v%r.Count
}

// Events receives transceiver interrupts. Implementations must only do
// O(1) work and defer processing to the cooperative context.
type Events interface {
	// OnRx delivers a received frame stamped with the synchronized time
	// at the end of reception. Returns false if the frame was not taken.
	OnRx(data []byte, timestampMicros uint64, rssi int8) bool
	// OnRxFail reports a corrupted or overrun reception.
	OnRxFail(timestampMicros uint64)
	// OnTx reports the end of a transmission.
	OnTx()
}

// Stamp returns the synchronized time used for RX timestamps.
type Stamp func() uint64

// Transceiver is a packet radio.
type Transceiver interface {
	// Attach installs the event receiver and the timestamp source.
	Attach(ev Events, stamp Stamp)
	Start() bool
	Stop()
	Channels() ChannelRange
	// TxAvailable returns true if Tx may be called.
	TxAvailable() bool
	// Tx starts transmitting data on channel; OnTx follows on completion.
	Tx(data []byte, channel uint8) bool
	// Rx switches reception to channel.
	Rx(channel uint8)
	// GetTransmitDurationMicros estimates the airtime of a frame of size
	// bytes.
	GetTransmitDurationMicros(size int) uint32
}

// Airtime describes the modulation used to estimate transmit durations.
type Airtime struct {
	BitsPerSecond uint32
	// OverheadBytes covers preamble, address and CRC.
	OverheadBytes int
	// Turnaround is the fixed TX setup delay.
	Turnaround time.Duration
}

// DefaultAirtime models a 1 Mbps radio.
var DefaultAirtime = Airtime{
	BitsPerSecond: 1000000,
	OverheadBytes: 8,
	Turnaround:    130 * time.Microsecond,
}

// Micros computes the airtime of a frame of size bytes.
func (a Airtime) Micros(size int) uint32 {
	bps := uint64(a.BitsPerSecond)
	if bps == 0 {
		bps = 1
	}
	bits := uint64(size+a.OverheadBytes) * 8
	return uint32((bits*1000000+bps-1)/bps) + uint32(a.Turnaround/time.Microsecond)
}
