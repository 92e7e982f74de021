// Package serial carries frames over a peer-to-peer byte stream, e.g. the
// UART between a host and a radio modem.
//
// The stream recovers from lost or garbage bytes with a sequence based
// synchronization: a side that loses track sends a sync request carrying
// its next sequence number and the peer answers with its own. Every packet
// carries the next expected sequence number, so a lost byte is detected at
// the following packet at the latest. There is no checksum; link frames
// carry their own MAC.
//
//	sync:   [0xff|0xfe][seq]
//	packet: [seq][len:0..127][data:len]
package serial

import (
	"errors"
	"io"
)

var (
	// ErrNotReady indicates the stream is not synchronized.
	ErrNotReady = errors.New("not ready")
	// ErrTooLarge indicates a packet longer than MaxDataSize.
	ErrTooLarge = errors.New("packet too large")
)

// MaxDataSize is the largest packet payload.
const MaxDataSize = 0x7f

// Seq is a packet sequence number.
type Seq byte

// Next calculates the next sequence number.
func (s Seq) Next() Seq {
	n := byte(s) + 1
	if n == 0 || n >= 0xf0 {
		n = 1
	}
	return Seq(n)
}

// IsValid checks if it's a valid sequence number.
func (s Seq) IsValid() bool {
	n := byte(s)
	return n > 0 && n < 0xf0
}

// Packet is a parsed packet.
type Packet struct {
	Seq  Seq
	Data []byte
}

// Bytes encodes the packet.
func (p *Packet) Bytes() []byte {
	b := make([]byte, 2+len(p.Data))
	b[0], b[1] = byte(p.Seq), byte(len(p.Data))
	copy(b[2:], p.Data)
	return b
}

// WriteTo writes the encoded packet in one Write.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	if len(p.Data) > MaxDataSize {
		return 0, ErrTooLarge
	}
	n, err := w.Write(p.Bytes())
	return int64(n), err
}
