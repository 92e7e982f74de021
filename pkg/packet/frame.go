// Package packet defines the over-the-air frame layout, the header space
// and the static packet definition table.
//
// Frame layout:
//
//	[MAC:4 (big-endian)][RollingId:1][Header:1][Payload:0..N]
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout sizes.
const (
	MACSize  = 4
	Overhead = MACSize + 2

	DefaultMaxFrameSize = 64
)

var (
	// ErrShortFrame indicates a frame smaller than the fixed overhead.
	ErrShortFrame = errors.New("short frame")
)

// Header identifies the packet type.
type Header byte

// Header space partition.
const (
	HeaderAck Header = 0x00

	LinkControlFirst Header = 0x01
	LinkControlLast  Header = 0x0f

	UserFirst Header = 0x10
)

// IsAck checks if h is the Ack header.
func (h Header) IsAck() bool {
	return h == HeaderAck
}

// IsLinkControl checks if h is in the link-control range.
func (h Header) IsLinkControl() bool {
	return h >= LinkControlFirst && h <= LinkControlLast
}

// IsUser checks if h is available to application services.
func (h Header) IsUser() bool {
	return h >= UserFirst
}

// String implements fmt.Stringer.
func (h Header) String() string {
	return fmt.Sprintf("0x%02x", byte(h))
}

// RollingID is the per-direction 8-bit packet id. 0 is never used.
type RollingID byte

// Next calculates the next id.
func (s RollingID) Next() RollingID {
	n := s + 1
	if n == 0 {
		n = 1
	}
	return n
}

// IsValid checks if it's a valid id.
func (s RollingID) IsValid() bool {
	return s != 0
}

// StepsFrom returns how many Next calls lead from prev to s, in [1, 255].
func (s RollingID) StepsFrom(prev RollingID) int {
	d := int(s) - int(prev)
	if d <= 0 {
		d += 255
	}
	return d
}

// Frame is a decoded frame.
type Frame struct {
	MAC     uint32
	ID      RollingID
	Header  Header
	Payload []byte
}

// Size returns the encoded size.
func (f *Frame) Size() int {
	return Overhead + len(f.Payload)
}

// AppendTo appends the encoded frame to b.
func (f *Frame) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, f.MAC)
	b = append(b, byte(f.ID), byte(f.Header))
	return append(b, f.Payload...)
}

// Bytes returns encoded bytes for sending.
func (f *Frame) Bytes() []byte {
	return f.AppendTo(make([]byte, 0, f.Size()))
}

// Parse decodes a frame. Payload aliases b.
func Parse(b []byte) (Frame, error) {
	if len(b) < Overhead {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		MAC:     binary.BigEndian.Uint32(b),
		ID:      RollingID(b[MACSize]),
		Header:  Header(b[MACSize+1]),
		Payload: b[Overhead:],
	}, nil
}

// Content returns the authenticated part of an encoded frame: id, header
// and payload.
func Content(b []byte) []byte {
	return b[MACSize:]
}

// MACOf reads the MAC field of an encoded frame.
func MACOf(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// SetMAC writes the MAC field of an encoded frame.
func SetMAC(b []byte, mac uint32) {
	binary.BigEndian.PutUint32(b, mac)
}

// AckSize is the payload size of an Ack.
const AckSize = 2

// Ack is the payload of an Ack frame.
type Ack struct {
	Header Header
	ID     RollingID
}

// Bytes encodes the Ack payload.
func (a Ack) Bytes() []byte {
	return []byte{byte(a.Header), byte(a.ID)}
}

// ParseAck decodes an Ack payload.
func ParseAck(payload []byte) (Ack, bool) {
	if len(payload) != AckSize {
		return Ack{}, false
	}
	return Ack{Header: Header(payload[0]), ID: RollingID(payload[1])}, true
}
