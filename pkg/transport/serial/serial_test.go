package serial

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeq(t *testing.T) {
	assert.Equal(t, Seq(2), Seq(1).Next())
	assert.Equal(t, Seq(1), Seq(0xef).Next())
	assert.Equal(t, Seq(1), Seq(0).Next())
	assert.False(t, Seq(0).IsValid())
	assert.False(t, Seq(0xf0).IsValid())
	assert.True(t, Seq(0xef).IsValid())
}

func TestPacketBytes(t *testing.T) {
	p := Packet{Seq: 3, Data: []byte{0xff, 0xfe}}
	assert.Equal(t, []byte{3, 2, 0xff, 0xfe}, p.Bytes())
	_, err := (&Packet{Seq: 1, Data: make([]byte, MaxDataSize+1)}).WriteTo(io.Discard)
	assert.Equal(t, ErrTooLarge, err)
}

func feed(p *Parser, in ...byte) (last ParseResult) {
	for _, b := range in {
		last = p.Parse(b)
	}
	return
}

func TestParser(t *testing.T) {
	t.Run("sync request then packets", func(t *testing.T) {
		var p Parser
		pr := p.Reset()
		assert.Equal(t, ParseResult{Sync: syncREQ, State: SyncStateSyncing}, pr)
		assert.True(t, pr.RestartTimer())

		assert.Equal(t, ParseResult{Sync: syncACK, State: SyncStateReady}, feed(&p, syncREQ, 5))
		assert.Equal(t, ParseResult{State: SyncStateReady | SyncStateReceiving}, feed(&p, 5, 2, 0xaa))
		pr = p.Parse(0xbb)
		require.NotNil(t, pr.Packet)
		assert.Equal(t, &Packet{Seq: 5, Data: []byte{0xaa, 0xbb}}, pr.Packet)
		assert.True(t, pr.StopTimer())

		pr = feed(&p, 6, 0)
		assert.Equal(t, &Packet{Seq: 6}, pr.Packet)
	})
	t.Run("sync ack", func(t *testing.T) {
		var p Parser
		p.Reset()
		pr := feed(&p, syncACK, 9)
		assert.Equal(t, ParseResult{State: SyncStateReady}, pr)
		pr = feed(&p, syncACK, 9)
		assert.Equal(t, ParseResult{State: SyncStateReady}, pr)
	})
	t.Run("wrong seq resyncs", func(t *testing.T) {
		var p Parser
		p.Reset()
		feed(&p, syncACK, 9)
		pr := p.Parse(10)
		assert.Equal(t, ParseResult{Sync: syncREQ, State: SyncStateSyncing}, pr)
	})
	t.Run("invalid sync seq resyncs", func(t *testing.T) {
		var p Parser
		p.Reset()
		assert.Equal(t, ParseResult{Sync: syncREQ, State: SyncStateSyncing}, feed(&p, syncREQ, 0xf3))
	})
	t.Run("oversized length resyncs", func(t *testing.T) {
		var p Parser
		p.Reset()
		feed(&p, syncACK, 1)
		assert.Equal(t, ParseResult{Sync: syncREQ, State: SyncStateSyncing}, feed(&p, 1, 0x80))
	})
	t.Run("timeout in the middle of a packet", func(t *testing.T) {
		var p Parser
		p.Reset()
		feed(&p, syncACK, 1, 1, 4, 0)
		assert.Equal(t, ParseResult{Sync: syncREQ, State: SyncStateSyncing}, p.Timeout())
		feed(&p, syncACK, 2)
		assert.Equal(t, ParseResult{State: SyncStateReady}, p.Timeout())
	})
	t.Run("garbage while syncing is ignored", func(t *testing.T) {
		var p Parser
		p.Reset()
		assert.Equal(t, ParseResult{State: SyncStateSyncing}, feed(&p, 1, 2, 3))
	})
}

// bufferedPipe is one direction of a buffered byte stream, like a UART.
type bufferedPipe struct {
	ch chan byte
}

type endpoint struct {
	in, out *bufferedPipe
}

func (e *endpoint) Read(p []byte) (int, error) {
	b, ok := <-e.in.ch
	if !ok {
		return 0, io.EOF
	}
	p[0] = b
	return 1, nil
}

func (e *endpoint) Write(p []byte) (int, error) {
	for _, b := range p {
		e.out.ch <- b
	}
	return len(p), nil
}

func newStream() (*endpoint, *endpoint) {
	a, b := &bufferedPipe{ch: make(chan byte, 4096)}, &bufferedPipe{ch: make(chan byte, 4096)}
	return &endpoint{in: a, out: b}, &endpoint{in: b, out: a}
}

func TestConnExchange(t *testing.T) {
	sa, sb := newStream()
	a, b := NewConn(sa, 0x10), NewConn(sb, 0x80)
	a.Timeout, b.Timeout = 20*time.Millisecond, 20*time.Millisecond
	assert.Equal(t, ErrNotReady, a.WritePacket([]byte{1}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- b.Run(ctx) }()
	for _, c := range []*Conn{a, b} {
		select {
		case <-c.Ready():
		case <-time.After(time.Second):
			t.Fatal("not synchronized")
		}
	}

	require.Eventually(t, func() bool {
		return a.State() == SyncStateReady && b.State() == SyncStateReady
	}, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.WritePacket([]byte{byte(i), syncREQ, syncACK}))
	}
	require.NoError(t, b.WritePacket(nil))
	for i := 0; i < 3; i++ {
		pkt, err := b.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), syncREQ, syncACK}, pkt)
	}
	pkt, err := a.ReadPacket()
	require.NoError(t, err)
	assert.Empty(t, pkt)

	// a corrupted byte forces a resync; later packets still arrive.
	sa.out.ch <- 0x33
	require.Eventually(t, func() bool {
		a.WritePacket([]byte{7})
		for {
			select {
			case pkt := <-b.packetCh:
				if len(pkt) == 1 && pkt[0] == 7 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errCh, context.Canceled)
	}
	_, err = a.ReadPacket()
	assert.Equal(t, io.EOF, err)
}
