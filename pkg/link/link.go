// Package link implements the link state machine: key exchange, challenge,
// clock synchronization and switchover to the hopping schedule, followed
// by monitoring of the established link.
package link

import (
	"crypto/rand"
	"io"
	mrand "math/rand"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/backoff"
	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/sched"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/token"
)

// Clock is the synchronized clock as used by the link.
type Clock interface {
	HasTraining() bool
	GetSyncMicros64() uint64
	AddOffsetMicros(int32)
	StepMicros(int64)
	PendingSlewMicros() uint32
	Tune(int32) int32
	Drift() int32
}

// Hopper is the channel hopper as used by the link.
type Hopper interface {
	StartHopping() bool
	StopHopping()
	PeriodMillis() uint32
}

// Options are the collaborators of a Link.
type Options struct {
	Scheduler *sched.Scheduler
	Service   *service.Service
	Auth      *auth.Authenticator
	Clock     Clock
	Hopper    Hopper
	// HopTokens is seeded with the session seed while linked.
	HopTokens *token.Source
	Recorder  diag.Recorder
	// Rand drives backoff jitter and transaction ids.
	Rand *mrand.Rand
	// Entropy provides key material. Defaults to crypto/rand.
	Entropy io.Reader
}

type responder func(sess *keyx.Session, txID byte, nonce []byte) [keyx.TagSize]byte

// Link is the state machine of one end of a link. It must only be used
// from the scheduler context.
type Link struct {
	cfg       Config
	sched     *sched.Scheduler
	svc       *service.Service
	auth      *auth.Authenticator
	clock     Clock
	hopper    Hopper
	hopTokens *token.Source
	rec       diag.Recorder
	rand      *mrand.Rand
	entropy   io.Reader
	backoff   *backoff.Backoff
	respond   responder

	state      State
	gen        uint64
	listeners  []Listener
	registered bool

	keys      *keyx.KeyPair
	sess      *keyx.Session
	sessionID uint32
	nonce     uint32

	attempts int
	resend   func() bool

	chalTxID  byte
	chalNonce [NonceSize]byte

	syncTxID       byte
	syncSamples    int
	syncGood       int
	lastCorrection uint64

	bootTask     *sched.Task
	stageTask    *sched.Task
	watchdog     *sched.Task
	activateTask *sched.Task
	reportTask   *sched.Task
	resyncTask   *sched.Task
	lossTask     *sched.Task

	stats Stats
}

// New creates a Link in the Disabled state.
func New(opts Options, cfg Config) *Link {
	cfg.normalize()
	if opts.Recorder == nil {
		opts.Recorder = diag.Nop{}
	}
	if opts.Rand == nil {
		opts.Rand = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	return &Link{
		cfg:       cfg,
		sched:     opts.Scheduler,
		svc:       opts.Service,
		auth:      opts.Auth,
		clock:     opts.Clock,
		hopper:    opts.Hopper,
		hopTokens: opts.HopTokens,
		rec:       opts.Recorder,
		rand:      opts.Rand,
		entropy:   opts.Entropy,
		backoff:   backoff.New(cfg.Backoff, opts.Rand),
		respond: func(sess *keyx.Session, txID byte, nonce []byte) [keyx.TagSize]byte {
			return sess.ChallengeResponse(txID, nonce)
		},
	}
}

// Role returns the configured role.
func (l *Link) Role() Role {
	return l.cfg.Role
}

// State returns the current state.
func (l *Link) State() State {
	return l.state
}

// HasLink returns true while Linked.
func (l *Link) HasLink() bool {
	return l.state == StateLinked
}

// RegisterLinkListener adds a listener for link up and down transitions.
func (l *Link) RegisterLinkListener(listener Listener) {
	l.listeners = append(l.listeners, listener)
}

// Stats returns a summary.
func (l *Link) Stats() Stats {
	s := l.stats
	s.Role = l.cfg.Role
	s.State = l.state
	s.SessionID = l.sessionID
	return s
}

// Start leaves Disabled. The link waits for the clock to be trained, then
// awaits or initiates a handshake depending on the role.
func (l *Link) Start() bool {
	if l.state != StateDisabled {
		return false
	}
	if !l.registered {
		for _, def := range Definitions() {
			if !l.svc.RegisterPacketReceiver(service.ReceiveFunc(l.onPacket), def.Header) {
				glog.Errorf("link: register receiver %s failed", def.Name)
				return false
			}
		}
		l.registered = true
	}
	l.setState(StateBooting)
	l.bootTask = l.sched.Every(l.cfg.BootPoll, l.pollBoot)
	return true
}

// Stop returns to Disabled from any state, dropping all session state.
func (l *Link) Stop() {
	if l.state == StateDisabled {
		return
	}
	wasLinked := l.state == StateLinked
	l.bootTask.Cancel()
	l.bootTask = nil
	l.teardown()
	l.setState(StateDisabled)
	if wasLinked {
		l.notify(false)
	}
}

func (l *Link) pollBoot() {
	if l.state != StateBooting || !l.clock.HasTraining() {
		return
	}
	l.bootTask.Cancel()
	l.bootTask = nil
	l.awaitLink()
}

func (l *Link) setState(s State) {
	l.gen++
	if s == l.state {
		return
	}
	glog.Infof("link %s: %s -> %s", l.cfg.Role, l.state, s)
	l.state = s
	l.rec.LinkState(s.String(), s == StateLinked)
}

func (l *Link) notify(hasLink bool) {
	for _, listener := range l.listeners {
		listener.OnLinkStateUpdated(hasLink)
	}
}

// teardown cancels every schedule and wipes all session material.
func (l *Link) teardown() {
	l.gen++
	for _, t := range []*sched.Task{l.stageTask, l.watchdog, l.activateTask, l.reportTask, l.resyncTask, l.lossTask} {
		t.Cancel()
	}
	l.stageTask, l.watchdog, l.activateTask, l.reportTask, l.resyncTask, l.lossTask = nil, nil, nil, nil, nil, nil
	l.hopper.StopHopping()
	l.auth.Reset()
	l.hopTokens.Clear()
	l.svc.Reset()
	if l.keys != nil {
		l.keys.Wipe()
		l.keys = nil
	}
	if l.sess != nil {
		l.sess.Wipe()
		l.sess = nil
	}
	l.sessionID, l.nonce = 0, 0
	l.attempts, l.resend = 0, nil
	l.chalTxID, l.chalNonce = 0, [NonceSize]byte{}
	l.syncSamples, l.syncGood = 0, 0
}

func (l *Link) awaitLink() {
	l.setState(StateAwaitingLink)
	if l.cfg.Role == RoleRemote {
		l.stageTask = l.after(l.backoff.Next(), l.startKeyExchange)
	}
}

// restart abandons the current attempt or link.
func (l *Link) restart() {
	wasLinked := l.state == StateLinked
	l.teardown()
	l.awaitLink()
	if wasLinked {
		l.notify(false)
	}
}

func (l *Link) stageName() string {
	switch l.state {
	case StateKeyExchange:
		return "kx"
	case StateChallenge:
		return "challenge"
	case StateClockSync:
		return "clocksync"
	case StateSwitchover:
		return "switchover"
	case StateLinked:
		return "linked"
	}
	return "idle"
}

// fail aborts linking.
func (l *Link) fail(reason string) {
	stage := l.stageName()
	glog.Warningf("link %s: %s failed: %s", l.cfg.Role, stage, reason)
	l.rec.HandshakeFailed(stage, reason)
	l.stats.HandshakeFailures++
	l.restart()
}

// lose drops an established link.
func (l *Link) lose(reason string) {
	glog.Warningf("link %s: lost: %s", l.cfg.Role, reason)
	l.stats.Losses++
	l.restart()
}

// after schedules fn unless the state changes in between.
func (l *Link) after(d time.Duration, fn func()) *sched.Task {
	gen := l.gen
	return l.sched.After(d, func() {
		if gen == l.gen {
			fn()
		}
	})
}

func (l *Link) listener(ok func(), failed func(service.Failure)) service.AckFuncs {
	gen := l.gen
	return service.AckFuncs{
		Ok: func(packet.Header, packet.RollingID) {
			if gen == l.gen && ok != nil {
				ok()
			}
		},
		Failed: func(_ packet.Header, reason service.Failure) {
			if gen == l.gen && failed != nil {
				failed(reason)
			}
		},
	}
}

type stampedListener struct {
	service.AckFuncs
	stamp func(payload []byte, txMicros uint64)
}

func (s *stampedListener) StampTx(payload []byte, txMicros uint64) {
	s.stamp(payload, txMicros)
}

func (l *Link) enterStage(s State) {
	l.setState(s)
	l.stageTask.Cancel()
	l.stageTask = nil
	l.attempts, l.resend = 0, nil
	l.armWatchdog()
}

func (l *Link) armWatchdog() {
	l.watchdog.Cancel()
	l.watchdog = l.after(l.cfg.HandshakeTimeout, func() {
		if l.state.Linking() {
			l.fail("timeout")
		}
	})
}

// attempt sends with retries. send is called again on timeout or failure
// until MaxStageRetries is exceeded.
func (l *Link) attempt(send func() bool) {
	l.resend = send
	l.sendNow()
}

func (l *Link) sendNow() {
	if l.resend != nil && !l.resend() {
		l.retry("busy")
	}
}

func (l *Link) retry(reason string) {
	l.stageTask.Cancel()
	l.attempts++
	if l.attempts > l.cfg.MaxStageRetries {
		l.fail(reason)
		return
	}
	glog.V(1).Infof("link %s: %s retry %d: %s", l.cfg.Role, l.stageName(), l.attempts, reason)
	l.stageTask = l.after(l.backoff.Next(), l.sendNow)
}

func (l *Link) awaitReply() {
	l.stageTask.Cancel()
	l.stageTask = l.after(l.cfg.StageTimeout, func() { l.retry("timeout") })
}

func (l *Link) onSendFailed(reason service.Failure) {
	l.retry(reason.String())
}

func (l *Link) readRandom(b []byte) bool {
	if _, err := io.ReadFull(l.entropy, b); err != nil {
		glog.Errorf("link: read entropy: %v", err)
		return false
	}
	return true
}

func (l *Link) random32() (uint32, bool) {
	var b [4]byte
	if !l.readRandom(b[:]) {
		return 0, false
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

func (l *Link) nowMillis() uint32 {
	return uint32(l.clock.GetSyncMicros64() / 1000)
}

func (l *Link) sinceRxMicros() uint64 {
	d := int64(l.clock.GetSyncMicros64() - l.svc.LastValidRxMicros())
	if d < 0 {
		return 0
	}
	return uint64(d)
}

func (l *Link) onPacket(p *service.Packet) {
	switch l.state {
	case StateDisabled, StateBooting:
		return
	}
	switch p.Header {
	case HeaderKeyExchangeRequest:
		if l.cfg.Role == RoleHost {
			l.onKeyExchangeRequest(p)
		}
	case HeaderKeyExchangeResponse:
		if l.cfg.Role == RoleRemote {
			l.onKeyExchangeResponse(p)
		}
	case HeaderChallengeRequest:
		if l.cfg.Role == RoleRemote {
			l.onChallengeRequest(p)
		}
	case HeaderChallengeResponse:
		if l.cfg.Role == RoleHost {
			l.onChallengeResponse(p)
		}
	case HeaderClockSyncRequest:
		if l.cfg.Role == RoleHost {
			l.onClockSyncRequest(p)
		}
	case HeaderClockSyncResponse:
		if l.cfg.Role == RoleRemote {
			l.onClockSyncResponse(p)
		}
	case HeaderLinkStart:
		if l.cfg.Role == RoleHost {
			l.onLinkStart(p)
		}
	case HeaderReport:
		l.onReport(p)
	}
}

// scheduleActivation switches to the linked schedule at startAt.
func (l *Link) scheduleActivation(startAt uint32) {
	l.activateTask.Cancel()
	now := l.clock.GetSyncMicros64()
	delay := int64(int32(startAt-uint32(now/1000)))*1000 - int64(now%1000)
	if delay < 0 {
		delay = 0
	}
	glog.V(1).Infof("link %s: switching at %dms", l.cfg.Role, startAt)
	l.activateTask = l.after(time.Duration(delay)*time.Microsecond, l.activate)
}

func (l *Link) activate() {
	if l.state != StateSwitchover || l.sess == nil {
		return
	}
	l.auth.StartRotation(l.cfg.SwitchoverGraceMillis)
	l.hopTokens.SetSeed(l.sess.Seed)
	if !l.hopper.StartHopping() {
		l.fail("hopping")
		return
	}
	l.stageTask.Cancel()
	l.watchdog.Cancel()
	l.stageTask, l.watchdog = nil, nil
	l.svc.MarkAlive()
	l.backoff.Reset()
	l.stats.Links++
	l.setState(StateLinked)
	l.lastCorrection = l.clock.GetSyncMicros64()
	l.reportTask = l.sched.Every(l.cfg.ReportInterval, l.sendReport)
	l.lossTask = l.sched.Every(l.cfg.LinkLoss/4, l.checkLoss)
	if l.cfg.Role == RoleRemote {
		l.resyncTask = l.sched.Every(l.cfg.ResyncInterval, func() { l.sendSample() })
	}
	l.notify(true)
}

func (l *Link) sendReport() {
	if l.state != StateLinked {
		return
	}
	since := l.sinceRxMicros() / 1000
	if since > 0xffff {
		since = 0xffff
	}
	r := report{RSSI: l.svc.LastRSSI(), SinceRxMillis: uint16(since)}
	l.svc.Send(HeaderReport, r.encode(), nil)
}

func (l *Link) checkLoss() {
	if l.state == StateLinked && l.sinceRxMicros() > uint64(l.cfg.LinkLoss/time.Microsecond) {
		l.lose("silence")
	}
}

func (l *Link) onReport(p *service.Packet) {
	var r report
	if l.state != StateLinked || !r.decode(p.Payload) {
		return
	}
	l.stats.PeerRSSI = r.RSSI
	l.stats.PeerSinceRxMillis = r.SinceRxMillis
}
