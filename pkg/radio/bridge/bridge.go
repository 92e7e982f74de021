// Package bridge implements a radio.Transceiver on top of a packet
// transport. Every frame travels as
//
//	[channel:1][frame]
//
// and is only delivered to bridges receiving on that channel.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/radio"
	"github.com/robotalks/linkstack/pkg/transport"
)

// Config describes the emulated radio.
type Config struct {
	Channels radio.ChannelRange
	Airtime  radio.Airtime
	RSSI     int8
	// Pace holds OnTx back until the frame airtime elapsed.
	Pace bool
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Channels: radio.ChannelRange{Min: 2, Count: 40},
		Airtime:  radio.DefaultAirtime,
		RSSI:     -60,
		Pace:     true,
	}
}

// Bridge is a transceiver over a transport.
type Bridge struct {
	cfg Config
	rw  transport.PacketReadWriter

	lock  sync.Mutex
	ev    radio.Events
	stamp radio.Stamp

	started   atomic.Bool
	txActive  atomic.Bool
	rxChannel atomic.Uint32

	txCh chan []byte
}

// New creates a Bridge over rw.
func New(rw transport.PacketReadWriter, cfg Config) *Bridge {
	if cfg.Channels.Count == 0 {
		cfg.Channels = DefaultConfig().Channels
	}
	if cfg.Airtime.BitsPerSecond == 0 {
		cfg.Airtime = DefaultConfig().Airtime
	}
	return &Bridge{cfg: cfg, rw: rw, txCh: make(chan []byte, 1)}
}

// Attach implements radio.Transceiver.
func (b *Bridge) Attach(ev radio.Events, stamp radio.Stamp) {
	b.lock.Lock()
	b.ev, b.stamp = ev, stamp
	b.lock.Unlock()
}

// Start implements radio.Transceiver.
func (b *Bridge) Start() bool {
	b.lock.Lock()
	attached := b.ev != nil
	b.lock.Unlock()
	if !attached {
		return false
	}
	b.started.Store(true)
	return true
}

// Stop implements radio.Transceiver.
func (b *Bridge) Stop() {
	b.started.Store(false)
}

// Channels implements radio.Transceiver.
func (b *Bridge) Channels() radio.ChannelRange {
	return b.cfg.Channels
}

// TxAvailable implements radio.Transceiver.
func (b *Bridge) TxAvailable() bool {
	return b.started.Load() && !b.txActive.Load()
}

// Tx implements radio.Transceiver. The frame is written by Run.
func (b *Bridge) Tx(data []byte, ch uint8) bool {
	if !b.cfg.Channels.Contains(ch) || len(data) == 0 || !b.started.Load() {
		return false
	}
	if !b.txActive.CompareAndSwap(false, true) {
		return false
	}
	pkt := make([]byte, 1+len(data))
	pkt[0] = ch
	copy(pkt[1:], data)
	select {
	case b.txCh <- pkt:
		return true
	default:
		b.txActive.Store(false)
		return false
	}
}

// Rx implements radio.Transceiver.
func (b *Bridge) Rx(ch uint8) {
	b.rxChannel.Store(uint32(ch))
}

// RxChannel returns the channel listened on.
func (b *Bridge) RxChannel() uint8 {
	return uint8(b.rxChannel.Load())
}

// GetTransmitDurationMicros implements radio.Transceiver.
func (b *Bridge) GetTransmitDurationMicros(size int) uint32 {
	return b.cfg.Airtime.Micros(size)
}

// Run moves frames between the transceiver and the transport until ctx is
// done or the transport fails.
func (b *Bridge) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.readLoop()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case pkt := <-b.txCh:
			start := time.Now()
			if err := b.rw.WritePacket(pkt); err != nil {
				glog.Warningf("bridge: tx: %v", err)
			}
			if b.cfg.Pace {
				airtime := time.Duration(b.GetTransmitDurationMicros(len(pkt)-1)) * time.Microsecond
				if wait := airtime - time.Since(start); wait > 0 {
					time.Sleep(wait)
				}
			}
			b.txActive.Store(false)
			if ev := b.events(); ev != nil {
				ev.OnTx()
			}
		}
	}
}

func (b *Bridge) events() radio.Events {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.ev
}

func (b *Bridge) readLoop() error {
	for {
		pkt, err := b.rw.ReadPacket()
		if err != nil {
			return err
		}
		b.receive(pkt)
	}
}

func (b *Bridge) receive(pkt []byte) {
	if len(pkt) < 2 || !b.started.Load() {
		return
	}
	if b.txActive.Load() || pkt[0] != b.RxChannel() {
		glog.V(3).Infof("bridge: missed frame on channel %d", pkt[0])
		return
	}
	b.lock.Lock()
	ev, stamp := b.ev, b.stamp
	b.lock.Unlock()
	if ev == nil {
		return
	}
	ts := uint64(0)
	if stamp != nil {
		ts = stamp()
	}
	if !ev.OnRx(pkt[1:], ts, b.cfg.RSSI) {
		glog.V(2).Info("bridge: frame not taken")
	}
}
