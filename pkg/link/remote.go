package link

import (
	"crypto/subtle"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/service"
)

const slewPoll = 5 * time.Millisecond

func (l *Link) startKeyExchange() {
	if l.state != StateAwaitingLink {
		return
	}
	kp, err := keyx.GenerateKeyPair(l.entropy)
	if err != nil {
		glog.Errorf("link remote: %v", err)
		l.stageTask = l.after(l.backoff.Next(), l.startKeyExchange)
		return
	}
	nonce, ok := l.random32()
	if !ok {
		kp.Wipe()
		l.stageTask = l.after(l.backoff.Next(), l.startKeyExchange)
		return
	}
	l.keys, l.nonce = &kp, nonce
	l.enterStage(StateKeyExchange)
	req := keyExchangeRequest{
		Version:  ProtocolVersion,
		Nonce:    nonce,
		RemoteID: l.cfg.LocalID,
		Public:   kp.Public,
	}
	payload := req.encode()
	l.attempt(func() bool {
		return l.svc.Send(HeaderKeyExchangeRequest, payload, l.listener(l.awaitReply, l.onSendFailed))
	})
}

func (l *Link) onKeyExchangeResponse(p *service.Packet) {
	var resp keyExchangeResponse
	if l.state != StateKeyExchange || l.keys == nil || !resp.decode(p.Payload) {
		return
	}
	if l.cfg.PeerID != 0 && resp.HostID != l.cfg.PeerID {
		l.rec.HandshakeFailed("kx", "peer")
		glog.Warningf("link remote: rejected host %08x", resp.HostID)
		return
	}
	shared, err := l.keys.Shared(resp.Public)
	l.keys.Wipe()
	l.keys = nil
	if err != nil {
		l.fail("weak_key")
		return
	}
	sess := keyx.DeriveSession(shared, keyx.Params{
		HostID:    resp.HostID,
		RemoteID:  l.cfg.LocalID,
		SessionID: resp.SessionID,
		Nonce:     l.nonce,
	})
	shared.Wipe()
	l.sess, l.sessionID = &sess, resp.SessionID
	l.auth.SetSession(l.sess, keyx.SideRemote)
	l.enterStage(StateChallenge)
	// nothing to resend; the Host drives this stage.
	l.stageTask = l.after(l.cfg.StageTimeout*time.Duration(l.cfg.MaxStageRetries+1), func() {
		l.fail("timeout")
	})
}

func (l *Link) onChallengeRequest(p *service.Packet) {
	var req challengeRequest
	if l.state != StateChallenge || !req.decode(p.Payload) {
		return
	}
	tag := l.sess.ChallengeTag(req.TxID, req.Nonce[:])
	if subtle.ConstantTimeCompare(tag[:], req.Tag[:]) != 1 {
		l.fail("bad_tag")
		return
	}
	resp := challengeResponse{TxID: req.TxID, Response: l.respond(l.sess, req.TxID, req.Nonce[:])}
	payload := resp.encode()
	l.stageTask.Cancel()
	l.attempts = 0
	l.attempt(func() bool {
		return l.svc.Send(HeaderChallengeResponse, payload, l.listener(l.onChallengeAnswered, l.onSendFailed))
	})
}

func (l *Link) onChallengeAnswered() {
	l.enterStage(StateClockSync)
	l.syncSamples, l.syncGood = 0, 0
	l.attempt(l.sendSample)
}

// sendSample starts a clock sync round trip.
func (l *Link) sendSample() bool {
	if l.state == StateClockSync {
		l.syncSamples++
		if l.syncSamples > l.cfg.SyncMaxSamples {
			l.fail("not_converged")
			return true
		}
	}
	l.syncTxID++
	req := clockSyncRequest{TxID: l.syncTxID}
	listener := &stampedListener{stamp: stampClockSyncRequest}
	if l.state == StateClockSync {
		listener.AckFuncs = l.listener(l.awaitReply, l.onSendFailed)
	}
	return l.svc.Send(HeaderClockSyncRequest, req.encode(), listener)
}

func (l *Link) onClockSyncResponse(p *service.Packet) {
	var resp clockSyncResponse
	if !resp.decode(p.Payload) || resp.TxID != l.syncTxID {
		return
	}
	offset := clockOffset(resp.T1, resp.T2, resp.T3, p.RxMicros)
	l.stats.LastOffsetMicros = offset
	l.stats.LastRoundTrip = roundTrip(resp.T1, resp.T2, resp.T3, p.RxMicros)
	l.rec.ClockOffset(offset)
	residual := offset + int64(l.clock.PendingSlewMicros())
	glog.V(2).Infof("link remote: clock offset %dus rtt %dus", offset, l.stats.LastRoundTrip)

	switch l.state {
	case StateClockSync:
		l.stageTask.Cancel()
		l.attempts = 0
		if abs(residual) < int64(l.cfg.SyncThresholdMicros) {
			l.syncGood++
		} else {
			l.syncGood = 0
			l.coarseCorrect(residual)
		}
		if l.syncGood >= l.cfg.SyncGoodSamples {
			l.enterSwitchover()
			return
		}
		l.stageTask = l.after(l.cfg.SyncSampleInterval, l.sendNow)
	case StateLinked:
		l.trim(residual)
	}
}

// coarseCorrect applies a correction before any schedule depends on the
// clock.
func (l *Link) coarseCorrect(residual int64) {
	if residual > 0 && residual <= int64(l.cfg.CoarseStepMicros) {
		l.clock.AddOffsetMicros(int32(residual))
		return
	}
	l.clock.StepMicros(residual)
}

// trim corrects the clock while linked without ever running it backward,
// and adjusts the drift compensation.
func (l *Link) trim(residual int64) {
	if abs(residual) > int64(l.cfg.CoarseStepMicros) {
		l.lose("clock_diverged")
		return
	}
	l.clock.AddOffsetMicros(int32(residual))
	now := l.clock.GetSyncMicros64()
	elapsed := int64(now - l.lastCorrection)
	if elapsed >= 1000000 {
		adjust := residual * 1000000 / elapsed / 2
		l.clock.Tune(l.clock.Drift() + int32(adjust))
		l.lastCorrection = now
	}
}

func (l *Link) enterSwitchover() {
	l.enterStage(StateSwitchover)
	l.waitSlew()
}

func (l *Link) waitSlew() {
	if l.clock.PendingSlewMicros() > 0 {
		l.stageTask = l.after(slewPoll, l.waitSlew)
		return
	}
	l.attempt(l.sendLinkStart)
}

// linkStartAt picks a hop boundary at least SwitchoverLead ahead.
func (l *Link) linkStartAt() uint32 {
	at := l.nowMillis() + uint32(l.cfg.SwitchoverLead.Milliseconds())
	if period := l.hopper.PeriodMillis(); period > 0 {
		at = (at + period - 1) / period * period
	}
	return at
}

func (l *Link) sendLinkStart() bool {
	m := linkStart{StartAtMillis: l.linkStartAt()}
	return l.svc.Send(HeaderLinkStart, m.encode(), l.listener(func() {
		l.stageTask.Cancel()
		l.scheduleActivation(m.StartAtMillis)
	}, l.onSendFailed))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
