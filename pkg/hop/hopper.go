// Package hop selects the radio channel from the synchronized clock and the
// hop token, so both ends change channel together without signaling.
package hop

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/radio"
	"github.com/robotalks/linkstack/pkg/token"
)

// Clock is the subset of the synchronized clock used by the Hopper.
type Clock interface {
	HasTraining() bool
	GetSyncMillis() uint32
	GetSyncMicros64() uint64
	SetCallbackTarget(func())
	StartCallbackAfterMicros(uint32) bool
	CancelCallback()
}

// Hopper maps hop windows to channels.
//
// The boundary callback runs in interrupt context and only flags the
// channel invalid; the cooperative loop polls TakeInvalid and performs the
// actual switch.
type Hopper struct {
	clock    Clock
	tokens   *token.Source
	channels radio.ChannelRange
	fixed    uint8

	notify func()

	hopping    atomic.Bool
	invalid    atomic.Bool
	boundaries atomic.Uint64
}

// New creates a Hopper. tokens carries the hop-period granularity.
func New(clock Clock, tokens *token.Source, channels radio.ChannelRange, fixed uint8) *Hopper {
	return &Hopper{
		clock:    clock,
		tokens:   tokens,
		channels: channels,
		fixed:    channels.Map(fixed),
	}
}

// PeriodMillis returns the hop period.
func (h *Hopper) PeriodMillis() uint32 {
	return h.tokens.DivisorMillis()
}

// NotifyInvalid installs fn to be called from the boundary callback after
// the channel is flagged invalid. fn must only hand work over, e.g. with
// sched.Scheduler.Post. It must be set before StartHopping.
func (h *Hopper) NotifyInvalid(fn func()) {
	h.notify = fn
}

// FixedChannel returns the channel used while not hopping.
func (h *Hopper) FixedChannel() uint8 {
	return h.fixed
}

// ChannelAt computes the hop channel at millis.
func (h *Hopper) ChannelAt(millis uint32) uint8 {
	index := h.tokens.Window(millis)
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:], h.tokens.ForWindow(index))
	binary.BigEndian.PutUint32(buf[4:], index)
	return h.channels.Map(crc8(buf[:]))
}

// GetChannel returns the channel to use now.
func (h *Hopper) GetChannel() uint8 {
	if !h.hopping.Load() {
		return h.fixed
	}
	return h.ChannelAt(h.clock.GetSyncMillis())
}

// Hopping returns true between StartHopping and StopHopping.
func (h *Hopper) Hopping() bool {
	return h.hopping.Load()
}

// StartHopping begins following the hop schedule. It requires a trained
// clock and a seeded token source.
func (h *Hopper) StartHopping() bool {
	if !h.clock.HasTraining() || !h.tokens.HasSeed() {
		return false
	}
	h.clock.SetCallbackTarget(h.onBoundary)
	h.hopping.Store(true)
	h.invalid.Store(true)
	if !h.armNext() {
		h.StopHopping()
		return false
	}
	glog.V(1).Infof("hopping started, period %dms", h.PeriodMillis())
	return true
}

// StopHopping cancels the boundary callback and returns to the fixed
// channel.
func (h *Hopper) StopHopping() {
	was := h.hopping.Swap(false)
	h.clock.CancelCallback()
	if was {
		h.invalid.Store(true)
		glog.V(1).Info("hopping stopped")
	}
}

// TakeInvalid returns true once after each boundary or mode change.
func (h *Hopper) TakeInvalid() bool {
	return h.invalid.Swap(false)
}

// Boundaries returns the number of boundary callbacks observed.
func (h *Hopper) Boundaries() uint64 {
	return h.boundaries.Load()
}

// MicrosToBoundary returns the time left in the current hop window.
func (h *Hopper) MicrosToBoundary() uint32 {
	if !h.hopping.Load() {
		return math.MaxUint32
	}
	period := uint64(h.PeriodMillis()) * 1000
	now := h.clock.GetSyncMicros64()
	return uint32(period - now%period)
}

func (h *Hopper) armNext() bool {
	return h.clock.StartCallbackAfterMicros(h.MicrosToBoundary())
}

func (h *Hopper) onBoundary() {
	if !h.hopping.Load() {
		return
	}
	h.invalid.Store(true)
	h.boundaries.Add(1)
	h.armNext()
	if !h.hopping.Load() {
		// stopped while re-arming.
		h.clock.CancelCallback()
		return
	}
	if h.notify != nil {
		h.notify()
	}
}
