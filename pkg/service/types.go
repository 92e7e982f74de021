// Package service provides non-blocking packet delivery over the radio:
// rolling ids, one outstanding request with ack matching and timeouts, and
// dispatch of inbound packets to registered receivers.
package service

import (
	"fmt"
	"time"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/packet"
)

// Failure is the reason a send request failed.
type Failure int

// Failures.
const (
	// FailNoSlot means no transmit opportunity came up in time.
	FailNoSlot Failure = iota + 1
	// FailNoAck means the frame went out but no Ack arrived in time.
	FailNoAck
	// FailReset means the service was reset with the request pending.
	FailReset
)

// String implements fmt.Stringer.
func (f Failure) String() string {
	switch f {
	case FailNoSlot:
		return "no_slot"
	case FailNoAck:
		return "no_ack"
	case FailReset:
		return "reset"
	}
	return fmt.Sprintf("Failure(%d)", int(f))
}

// State is the outbound request state.
type State int

// States.
const (
	StateIdle State = iota
	StateSending
	StateSent
	StateWaitingForAck
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StateSent:
		return "Sent"
	case StateWaitingForAck:
		return "WaitingForAck"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AckListener receives exactly one terminal callback per accepted request.
// For packets without acknowledgment OnAckOk follows the transmission.
type AckListener interface {
	OnAckOk(h packet.Header, id packet.RollingID)
	OnAckFailed(h packet.Header, reason Failure)
}

// AckFuncs is the func form of AckListener. Nil funcs are skipped.
type AckFuncs struct {
	Ok     func(h packet.Header, id packet.RollingID)
	Failed func(h packet.Header, reason Failure)
}

// OnAckOk implements AckListener.
func (f AckFuncs) OnAckOk(h packet.Header, id packet.RollingID) {
	if f.Ok != nil {
		f.Ok(h, id)
	}
}

// OnAckFailed implements AckListener.
func (f AckFuncs) OnAckFailed(h packet.Header, reason Failure) {
	if f.Failed != nil {
		f.Failed(h, reason)
	}
}

// TxStamper is optionally implemented by an AckListener to patch the
// payload right before sealing. txMicros is the synchronized time at which
// the frame is expected to have been fully received.
type TxStamper interface {
	StampTx(payload []byte, txMicros uint64)
}

// Packet is an inbound packet.
type Packet struct {
	Header   packet.Header
	ID       packet.RollingID
	Payload  []byte
	RxMicros uint64
	RSSI     int8
	Level    auth.Level
}

// Receiver handles inbound packets of a header.
type Receiver interface {
	OnPacket(*Packet)
}

// ReceiveFunc is the func form of Receiver.
type ReceiveFunc func(*Packet)

// OnPacket implements Receiver.
func (f ReceiveFunc) OnPacket(p *Packet) {
	f(p)
}

// ChannelSource tells the service where to transmit and listen.
type ChannelSource interface {
	GetChannel() uint8
	// TakeInvalid returns true once after the channel may have changed.
	TakeInvalid() bool
	// MicrosToBoundary returns the time left before the next channel
	// change.
	MicrosToBoundary() uint32
}

// Clock provides synchronized time.
type Clock interface {
	GetSyncMicros64() uint64
}

// Config tunes the service.
type Config struct {
	SlotTimeout  time.Duration
	AckTimeout   time.Duration
	PollInterval time.Duration
	// RxQueue is the number of frames buffered between interrupt and
	// cooperative context.
	RxQueue int
	// AckQueue bounds pending Acks; the oldest is dropped on overflow.
	AckQueue int
	// HopGuardMicros keeps transmissions clear of channel changes.
	HopGuardMicros uint32
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		SlotTimeout:    50 * time.Millisecond,
		AckTimeout:     30 * time.Millisecond,
		PollInterval:   time.Millisecond,
		RxQueue:        8,
		AckQueue:       4,
		HopGuardMicros: 200,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = def.SlotTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RxQueue <= 0 {
		c.RxQueue = def.RxQueue
	}
	if c.AckQueue <= 0 {
		c.AckQueue = def.AckQueue
	}
}

// Stats summarizes the service.
type Stats struct {
	State    State
	Counters packet.CounterStats
	Overruns uint64
}
