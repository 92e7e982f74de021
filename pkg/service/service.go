package service

import (
	"hash/crc32"
	"math/rand"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/radio"
	"github.com/robotalks/linkstack/pkg/sched"
)

// Options are the collaborators of a Service.
type Options struct {
	Scheduler *sched.Scheduler
	Radio     radio.Transceiver
	Auth      *auth.Authenticator
	Packets   *packet.Map
	Channels  ChannelSource
	Clock     Clock
	Recorder  diag.Recorder
	// Rand picks the initial rolling id. Defaults to a time seeded source.
	Rand *rand.Rand
}

type request struct {
	def      packet.Definition
	id       packet.RollingID
	payload  []byte
	listener AckListener
}

type pendingAck struct {
	ack   packet.Ack
	level auth.Level
}

type rxSlot struct {
	buf    []byte
	size   int
	micros uint64
	rssi   int8
}

type txKind int

const (
	txNone txKind = iota
	txAck
	txRequest
)

// Service sends and receives packets. Except for the radio.Events methods
// it must only be used from the scheduler context.
type Service struct {
	cfg      Config
	sched    *sched.Scheduler
	radio    radio.Transceiver
	auth     *auth.Authenticator
	packets  *packet.Map
	channels ChannelSource
	clock    Clock
	rec      diag.Recorder
	rand     *rand.Rand

	rxLock   sync.Mutex
	ring     []rxSlot
	ringHead int
	ringLen  int
	overruns uint64
	work     []byte

	receivers [256]Receiver
	counters  *packet.Counters

	state    State
	req      *request
	slotTask *sched.Task
	ackTask  *sched.Task
	pollTask *sched.Task
	acks     []pendingAck

	txBusy bool
	txKind txKind
	txReq  *request

	rxChannel   uint8
	lastValidRx uint64
	lastRSSI    int8
	started     bool
}

// New creates a Service. opts.Packets must have been set up.
func New(opts Options, cfg Config) *Service {
	cfg.normalize()
	if opts.Recorder == nil {
		opts.Recorder = diag.Nop{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(int64(opts.Clock.GetSyncMicros64())))
	}
	s := &Service{
		cfg:      cfg,
		sched:    opts.Scheduler,
		radio:    opts.Radio,
		auth:     opts.Auth,
		packets:  opts.Packets,
		channels: opts.Channels,
		clock:    opts.Clock,
		rec:      opts.Recorder,
		rand:     opts.Rand,
		ring:     make([]rxSlot, cfg.RxQueue),
		work:     make([]byte, opts.Packets.MaxFrameSize),
	}
	for i := range s.ring {
		s.ring[i].buf = make([]byte, opts.Packets.MaxFrameSize)
	}
	s.counters = packet.NewCounters(s.randomID())
	return s
}

func (s *Service) randomID() packet.RollingID {
	return packet.RollingID(s.rand.Intn(255) + 1)
}

// Start attaches to the radio and begins polling.
func (s *Service) Start() bool {
	if s.started {
		return true
	}
	s.radio.Attach(s, s.clock.GetSyncMicros64)
	if !s.radio.Start() {
		glog.Errorf("radio failed to start")
		return false
	}
	s.started = true
	s.channels.TakeInvalid()
	s.followChannel()
	s.pollTask = s.sched.Every(s.cfg.PollInterval, s.Poll)
	return true
}

// Stop fails any pending request and detaches from the radio.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.started = false
	s.pollTask.Cancel()
	s.pollTask = nil
	s.acks = s.acks[:0]
	s.Reset()
	s.radio.Stop()
	s.txBusy, s.txKind, s.txReq = false, txNone, nil
}

// State returns the outbound request state.
func (s *Service) State() State {
	return s.state
}

// Stats returns a summary.
func (s *Service) Stats() Stats {
	s.rxLock.Lock()
	overruns := s.overruns
	s.rxLock.Unlock()
	return Stats{State: s.state, Counters: s.counters.Stats(), Overruns: overruns}
}

// LastValidRxMicros returns the synchronized time of the last accepted
// link level frame, 0 if none.
func (s *Service) LastValidRxMicros() uint64 {
	return s.lastValidRx
}

// LastRSSI returns the signal strength of the last accepted frame.
func (s *Service) LastRSSI() int8 {
	return s.lastRSSI
}

// RxChannel returns the channel the radio listens on.
func (s *Service) RxChannel() uint8 {
	return s.rxChannel
}

// MarkAlive pretends a valid frame has just been received.
func (s *Service) MarkAlive() {
	s.lastValidRx = s.clock.GetSyncMicros64()
}

// RegisterPacketReceiver routes inbound packets of h to r. It fails for
// the Ack header, for undefined headers and for headers already taken.
func (s *Service) RegisterPacketReceiver(r Receiver, h packet.Header) bool {
	if h.IsAck() || r == nil {
		return false
	}
	if _, ok := s.packets.Lookup(h); !ok {
		return false
	}
	if s.receivers[h] != nil {
		return false
	}
	s.receivers[h] = r
	return true
}

// Send requests the transmission of a packet. It returns false without any
// callback if another request is pending or the packet is not acceptable.
// Otherwise exactly one of the listener callbacks follows.
func (s *Service) Send(h packet.Header, payload []byte, listener AckListener) bool {
	if s.state != StateIdle || !s.started {
		return false
	}
	def, ok := s.packets.Lookup(h)
	if !ok || len(payload) != def.PayloadSize {
		return false
	}
	if !def.Pairing && s.auth.Mode() == auth.ModePairing {
		return false
	}
	if listener == nil {
		listener = AckFuncs{}
	}
	s.req = &request{
		def:      def,
		id:       s.counters.NextTx(),
		payload:  append([]byte(nil), payload...),
		listener: listener,
	}
	s.state = StateSending
	s.slotTask = s.sched.After(s.cfg.SlotTimeout, s.onSlotTimeout)
	glog.V(2).Infof("send %s id %d", def.Name, s.req.id)
	s.sched.Post(s.pump)
	return true
}

// Reset drops pending work and rolling id history. A pending request fails
// with FailReset. Queued Acks are kept; those whose level is no longer
// available are discarded when due.
func (s *Service) Reset() {
	s.counters.Reset(s.randomID())
	s.rxLock.Lock()
	s.ringLen = 0
	s.rxLock.Unlock()
	if s.req != nil {
		s.fail(FailReset)
	}
}

// Poll follows channel changes and starts pending transmissions.
func (s *Service) Poll() {
	s.pump()
}

// OnRx implements radio.Events.
func (s *Service) OnRx(data []byte, timestampMicros uint64, rssi int8) bool {
	s.rxLock.Lock()
	if len(data) > len(s.work) {
		s.rxLock.Unlock()
		s.sched.Post(func() { s.rec.FrameDropped(diag.DropSize) })
		return false
	}
	if s.ringLen == len(s.ring) {
		s.overruns++
		s.rxLock.Unlock()
		s.sched.Post(func() { s.rec.FrameDropped(diag.DropOverrun) })
		return false
	}
	slot := &s.ring[(s.ringHead+s.ringLen)%len(s.ring)]
	slot.size = copy(slot.buf, data)
	slot.micros, slot.rssi = timestampMicros, rssi
	s.ringLen++
	s.rxLock.Unlock()
	s.sched.Post(s.processRx)
	return true
}

// OnRxFail implements radio.Events.
func (s *Service) OnRxFail(uint64) {
	s.sched.Post(func() { s.rec.FrameDropped(diag.DropRxFail) })
}

// OnTx implements radio.Events.
func (s *Service) OnTx() {
	s.sched.Post(s.onTxDone)
}

func (s *Service) processRx() {
	for {
		s.rxLock.Lock()
		if s.ringLen == 0 {
			s.rxLock.Unlock()
			break
		}
		slot := &s.ring[s.ringHead]
		frame := s.work[:copy(s.work, slot.buf[:slot.size])]
		micros, rssi := slot.micros, slot.rssi
		s.ringHead = (s.ringHead + 1) % len(s.ring)
		s.ringLen--
		s.rxLock.Unlock()
		s.handleFrame(frame, micros, rssi)
	}
	s.pump()
}

func (s *Service) drop(reason diag.DropReason) {
	glog.V(2).Infof("drop frame: %s", reason)
	s.rec.FrameDropped(reason)
}

func (s *Service) levelAllowed(def packet.Definition, level auth.Level) bool {
	return level == auth.LevelLink || def.Pairing
}

func (s *Service) handleFrame(frame []byte, micros uint64, rssi int8) {
	if len(frame) < packet.Overhead {
		s.drop(diag.DropShort)
		return
	}
	level, ok := s.auth.OpenAt(frame, uint32(micros/1000))
	if !ok {
		s.drop(diag.DropMAC)
		return
	}
	f, _ := packet.Parse(frame)
	if f.Header.IsAck() {
		ack, ok := packet.ParseAck(f.Payload)
		if !ok {
			s.drop(diag.DropSize)
			return
		}
		def, ok := s.packets.Lookup(ack.Header)
		if !ok {
			s.drop(diag.DropUnknown)
			return
		}
		if !s.levelAllowed(def, level) {
			s.drop(diag.DropLevel)
			return
		}
		s.markRx(micros, rssi, f.Header, level)
		s.handleAck(ack)
		return
	}
	def, ok := s.packets.Lookup(f.Header)
	if !ok {
		s.drop(diag.DropUnknown)
		return
	}
	if len(f.Payload) != def.PayloadSize {
		s.drop(diag.DropSize)
		return
	}
	if !s.levelAllowed(def, level) {
		s.drop(diag.DropLevel)
		return
	}
	s.markRx(micros, rssi, f.Header, level)
	dup := s.counters.Observe(f.ID, f.Header, crc32.ChecksumIEEE(f.Payload))
	if def.HasAck {
		s.queueAck(packet.Ack{Header: f.Header, ID: f.ID}, level)
	}
	if dup {
		glog.V(2).Infof("duplicate %s id %d", def.Name, f.ID)
		return
	}
	if r := s.receivers[f.Header]; r != nil {
		r.OnPacket(&Packet{
			Header:   f.Header,
			ID:       f.ID,
			Payload:  append([]byte(nil), f.Payload...),
			RxMicros: micros,
			RSSI:     rssi,
			Level:    level,
		})
	}
}

// markRx records a verified frame. Only link level frames prove the peer
// is alive.
func (s *Service) markRx(micros uint64, rssi int8, h packet.Header, level auth.Level) {
	if level == auth.LevelLink {
		s.lastValidRx = micros
	}
	s.lastRSSI = rssi
	s.rec.FrameReceived(h)
}

func (s *Service) queueAck(ack packet.Ack, level auth.Level) {
	for _, p := range s.acks {
		if p.ack == ack {
			return
		}
	}
	if len(s.acks) >= s.cfg.AckQueue {
		copy(s.acks, s.acks[1:])
		s.acks = s.acks[:len(s.acks)-1]
	}
	s.acks = append(s.acks, pendingAck{ack: ack, level: level})
}

func (s *Service) handleAck(ack packet.Ack) {
	if s.req == nil || !s.req.def.HasAck {
		return
	}
	if s.state != StateWaitingForAck && s.state != StateSent {
		return
	}
	if ack.Header != s.req.def.Header || ack.ID != s.req.id {
		glog.V(2).Infof("stale ack %s id %d", ack.Header, ack.ID)
		return
	}
	s.complete()
}

func (s *Service) followChannel() {
	// resumed by onTxDone.
	if s.txBusy {
		return
	}
	s.rxChannel = s.channels.GetChannel()
	s.radio.Rx(s.rxChannel)
}

func (s *Service) pump() {
	if !s.started {
		return
	}
	if s.channels.TakeInvalid() {
		s.followChannel()
	}
	if s.txBusy || !s.radio.TxAvailable() {
		return
	}
	switch {
	case len(s.acks) > 0:
		s.sendAck()
	case s.state == StateSending:
		s.sendRequest()
	}
}

func (s *Service) clearOfBoundary(size int) (uint32, bool) {
	airtime := s.radio.GetTransmitDurationMicros(size)
	return airtime, s.channels.MicrosToBoundary() > airtime+s.cfg.HopGuardMicros
}

func (s *Service) sendAck() {
	p := s.acks[0]
	f := packet.Frame{Header: packet.HeaderAck, Payload: p.ack.Bytes()}
	airtime, clear := s.clearOfBoundary(f.Size())
	if !clear {
		return
	}
	s.acks = s.acks[1:]
	frame := f.Bytes()
	if !s.auth.Seal(frame, p.level, airtime) {
		glog.V(2).Infof("ack %s id %d dropped: %s level unavailable", p.ack.Header, p.ack.ID, p.level)
		return
	}
	if s.transmit(frame, txAck, nil) {
		s.rec.FrameSent(packet.HeaderAck)
	}
}

func (s *Service) sendRequest() {
	req := s.req
	f := packet.Frame{ID: req.id, Header: req.def.Header}
	airtime, clear := s.clearOfBoundary(f.Size() + len(req.payload))
	if !clear {
		return
	}
	payload := append([]byte(nil), req.payload...)
	if stamper, ok := req.listener.(TxStamper); ok {
		stamper.StampTx(payload, s.clock.GetSyncMicros64()+uint64(airtime))
	}
	f.Payload = payload
	frame := f.Bytes()
	level := auth.LevelLink
	if req.def.Pairing {
		level = auth.LevelPairing
	}
	if !s.auth.Seal(frame, level, airtime) {
		return
	}
	if s.transmit(frame, txRequest, req) {
		s.state = StateSent
		s.rec.FrameSent(req.def.Header)
	}
}

func (s *Service) transmit(frame []byte, kind txKind, req *request) bool {
	if !s.radio.Tx(frame, s.channels.GetChannel()) {
		return false
	}
	s.txBusy, s.txKind, s.txReq = true, kind, req
	return true
}

func (s *Service) onTxDone() {
	if !s.txBusy {
		return
	}
	kind, req := s.txKind, s.txReq
	s.txBusy, s.txKind, s.txReq = false, txNone, nil
	s.followChannel()
	if kind == txRequest && req == s.req && s.state == StateSent {
		s.slotTask.Cancel()
		s.slotTask = nil
		if req.def.HasAck {
			s.state = StateWaitingForAck
			s.ackTask = s.sched.After(s.cfg.AckTimeout, s.onAckTimeout)
		} else {
			s.complete()
		}
	}
	s.pump()
}

func (s *Service) onSlotTimeout() {
	s.slotTask = nil
	if s.state == StateSending || s.state == StateSent {
		s.fail(FailNoSlot)
	}
}

func (s *Service) onAckTimeout() {
	s.ackTask = nil
	if s.state == StateWaitingForAck {
		s.fail(FailNoAck)
	}
}

func (s *Service) finish() *request {
	req := s.req
	s.req = nil
	s.state = StateIdle
	s.slotTask.Cancel()
	s.ackTask.Cancel()
	s.slotTask, s.ackTask = nil, nil
	return req
}

func (s *Service) complete() {
	req := s.finish()
	s.rec.SendResult(req.def.Header, "ok")
	req.listener.OnAckOk(req.def.Header, req.id)
}

func (s *Service) fail(reason Failure) {
	req := s.finish()
	glog.V(1).Infof("send %s id %d failed: %s", req.def.Name, req.id, reason)
	s.rec.SendResult(req.def.Header, reason.String())
	req.listener.OnAckFailed(req.def.Header, reason)
}
