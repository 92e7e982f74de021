// Package transport carries raw frames between processes. It is the
// medium under the radio bridge when no radio hardware is attached.
package transport

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed indicates the transport was closed.
	ErrClosed = errors.New("transport closed")
	// ErrTooLarge indicates a packet exceeds MaxPacketSize.
	ErrTooLarge = errors.New("packet too large")
)

// MaxPacketSize bounds a single packet.
const MaxPacketSize = 1024

// PacketReader reads packets in bytes.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// PacketWriter writes packets in bytes.
type PacketWriter interface {
	WritePacket([]byte) error
}

// PacketReadWriter reads/writes packets in bytes.
type PacketReadWriter interface {
	PacketReader
	PacketWriter
}

// Pipe is one end of an in-memory packet pipe.
type Pipe struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// NewPipe creates a connected pair. Each direction buffers depth packets.
func NewPipe(depth int) (*Pipe, *Pipe) {
	a2b, b2a := make(chan []byte, depth), make(chan []byte, depth)
	done, once := make(chan struct{}), &sync.Once{}
	return &Pipe{in: b2a, out: a2b, done: done, once: once},
		&Pipe{in: a2b, out: b2a, done: done, once: once}
}

// ReadPacket implements PacketReader.
func (p *Pipe) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-p.done:
		return nil, io.EOF
	}
}

// WritePacket implements PacketWriter.
func (p *Pipe) WritePacket(pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrTooLarge
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), pkt...):
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Close implements io.Closer. It closes both ends.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
