package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/transport"
)

type recorder struct {
	lock  sync.Mutex
	rx    [][]byte
	stamp []uint64
	rssi  []int8
	tx    int
}

func (r *recorder) OnRx(data []byte, ts uint64, rssi int8) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.rx = append(r.rx, append([]byte(nil), data...))
	r.stamp = append(r.stamp, ts)
	r.rssi = append(r.rssi, rssi)
	return true
}

func (r *recorder) OnRxFail(uint64) {}

func (r *recorder) OnTx() {
	r.lock.Lock()
	r.tx++
	r.lock.Unlock()
}

func (r *recorder) received() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]byte(nil), r.rx...)
}

func (r *recorder) sent() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tx
}

func TestBridgeChannels(t *testing.T) {
	pa, pb := transport.NewPipe(8)
	cfg := DefaultConfig()
	cfg.Pace = false
	a, b := New(pa, cfg), New(pb, cfg)
	ra, rb := &recorder{}, &recorder{}

	assert.False(t, a.Start())
	a.Attach(ra, func() uint64 { return 11 })
	b.Attach(rb, func() uint64 { return 22 })
	assert.False(t, a.TxAvailable())
	require.True(t, a.Start())
	require.True(t, b.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	b.Rx(5)
	assert.Equal(t, uint8(5), b.RxChannel())
	assert.False(t, a.Tx([]byte{1}, 1), "channel out of range")
	assert.False(t, a.Tx(nil, 5))

	require.True(t, a.Tx([]byte{1, 2}, 5))
	assert.False(t, a.TxAvailable())
	assert.False(t, a.Tx([]byte{3}, 5), "busy")
	require.Eventually(t, func() bool { return ra.sent() == 1 && a.TxAvailable() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(rb.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{1, 2}, rb.received()[0])
	assert.Equal(t, uint64(22), rb.stamp[0])
	assert.Equal(t, cfg.RSSI, rb.rssi[0])

	// other channel is not heard.
	require.True(t, a.Tx([]byte{9}, 6))
	require.Eventually(t, func() bool { return ra.sent() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rb.received(), 1)

	b.Stop()
	require.True(t, a.Tx([]byte{7}, 5))
	require.Eventually(t, func() bool { return ra.sent() == 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rb.received(), 1)
	assert.Empty(t, ra.received())
}

func TestBridgePacing(t *testing.T) {
	pa, pb := transport.NewPipe(8)
	cfg := DefaultConfig()
	cfg.Airtime.BitsPerSecond = 8000
	a := New(pa, cfg)
	ra := &recorder{}
	a.Attach(ra, nil)
	require.True(t, a.Start())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	start := time.Now()
	require.True(t, a.Tx(make([]byte, 12), 2))
	require.Eventually(t, func() bool { return ra.sent() == 1 }, time.Second, time.Millisecond)
	// (12+8) bytes at 1 byte per ms.
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	pkt, err := pb.ReadPacket()
	require.NoError(t, err)
	assert.Len(t, pkt, 13)
}
