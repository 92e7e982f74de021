package serial

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultTimeout is the default resync timeout.
const DefaultTimeout = 100 * time.Millisecond

// Conn implements transport.PacketReadWriter over a byte stream.
type Conn struct {
	ReadWriter io.ReadWriter
	Timeout    time.Duration

	lock     sync.Mutex
	seq      Seq
	state    SyncState
	parser   Parser
	packetCh chan []byte
	readyCh  chan struct{}
	done     chan struct{}
}

// NewConn creates a Conn starting at sequence number seq.
func NewConn(rw io.ReadWriter, seq Seq) *Conn {
	if !seq.IsValid() {
		seq = seq.Next()
	}
	return &Conn{
		ReadWriter: rw,
		Timeout:    DefaultTimeout,
		seq:        seq,
		packetCh:   make(chan []byte, 16),
		readyCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State gets the sync state.
func (c *Conn) State() SyncState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Ready is closed once the stream is synchronized for the first time.
func (c *Conn) Ready() <-chan struct{} {
	return c.readyCh
}

// WritePacket implements PacketWriter. Packets written while the stream
// is not synchronized fail with ErrNotReady.
func (c *Conn) WritePacket(data []byte) error {
	if len(data) > MaxDataSize {
		return ErrTooLarge
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.state.IsReady() {
		return ErrNotReady
	}
	pkt := Packet{Seq: c.seq, Data: data}
	if _, err := pkt.WriteTo(c.ReadWriter); err != nil {
		return err
	}
	c.seq = c.seq.Next()
	return nil
}

// ReadPacket implements PacketReader.
func (c *Conn) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-c.packetCh:
		return pkt, nil
	case <-c.done:
		return nil, io.EOF
	}
}

// Run processes the stream until ctx is done or reading fails.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)
	var timer <-chan time.Time
	if err := c.apply(c.parser.Reset(), &timer); err != nil {
		return err
	}
	byteCh, errCh := make(chan byte), make(chan error, 1)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.readLoop(readCtx, byteCh, errCh)
	for {
		var err error
		select {
		case b := <-byteCh:
			err = c.apply(c.parser.Parse(b), &timer)
		case <-timer:
			err = c.apply(c.parser.Timeout(), &timer)
		case err = <-errCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, byteCh chan<- byte, errCh chan<- error) {
	buf := make([]byte, 1)
	for {
		if _, err := c.ReadWriter.Read(buf); err != nil {
			errCh <- err
			return
		}
		select {
		case byteCh <- buf[0]:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) apply(pr ParseResult, timer *<-chan time.Time) (err error) {
	c.lock.Lock()
	if c.state != pr.State {
		glog.V(2).Infof("serial: state %x -> %x", c.state, pr.State)
		if pr.State.IsReady() && !c.state.IsReady() {
			select {
			case <-c.readyCh:
			default:
				close(c.readyCh)
			}
		}
		c.state = pr.State
	}
	if pr.Sync != 0 {
		_, err = c.ReadWriter.Write([]byte{pr.Sync, byte(c.seq)})
	}
	c.lock.Unlock()
	if err != nil {
		return
	}
	switch {
	case pr.RestartTimer():
		*timer = time.After(c.Timeout)
	case pr.StopTimer():
		*timer = nil
	}
	if pr.Packet != nil {
		select {
		case c.packetCh <- pr.Packet.Data:
		default:
			glog.Warning("serial: packet dropped")
		}
	}
	return
}
