package link

import (
	"crypto/subtle"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/service"
)

func (l *Link) onKeyExchangeRequest(p *service.Packet) {
	var req keyExchangeRequest
	if !req.decode(p.Payload) {
		return
	}
	if req.Version != ProtocolVersion {
		l.rec.HandshakeFailed("kx", "version")
		glog.Warningf("link host: unsupported protocol version %d", req.Version)
		return
	}
	if l.cfg.PeerID != 0 && req.RemoteID != l.cfg.PeerID {
		l.rec.HandshakeFailed("kx", "peer")
		glog.Warningf("link host: rejected remote %08x", req.RemoteID)
		return
	}
	if l.state == StateLinked {
		l.rec.HandshakeFailed("kx", "linked")
		glog.V(1).Infof("link host: ignored key exchange from %08x while linked", req.RemoteID)
		return
	}
	if l.state != StateAwaitingLink {
		glog.Infof("link host: new key exchange from %08x in %s", req.RemoteID, l.state)
		l.restart()
	}

	kp, err := keyx.GenerateKeyPair(l.entropy)
	if err != nil {
		glog.Errorf("link host: %v", err)
		return
	}
	defer kp.Wipe()
	shared, err := kp.Shared(req.Public)
	if err != nil {
		l.rec.HandshakeFailed("kx", "weak_key")
		return
	}
	defer shared.Wipe()
	sessionID, ok := l.random32()
	if !ok {
		return
	}
	sess := keyx.DeriveSession(shared, keyx.Params{
		HostID:    l.cfg.LocalID,
		RemoteID:  req.RemoteID,
		SessionID: sessionID,
		Nonce:     req.Nonce,
	})
	l.sess, l.sessionID = &sess, sessionID
	l.enterStage(StateKeyExchange)

	resp := keyExchangeResponse{HostID: l.cfg.LocalID, SessionID: sessionID, Public: kp.Public}
	payload := resp.encode()
	l.attempt(func() bool {
		return l.svc.Send(HeaderKeyExchangeResponse, payload, l.listener(l.onKeyExchangeAcked, l.onSendFailed))
	})
}

func (l *Link) onKeyExchangeAcked() {
	l.auth.SetSession(l.sess, keyx.SideHost)
	l.enterStage(StateChallenge)
	l.attempt(l.sendChallenge)
}

// sendChallenge issues a fresh challenge on every attempt, so a lost
// response is never answered by a duplicate.
func (l *Link) sendChallenge() bool {
	if !l.readRandom(l.chalNonce[:]) {
		return false
	}
	l.chalTxID++
	req := challengeRequest{TxID: l.chalTxID, Nonce: l.chalNonce}
	req.Tag = l.sess.ChallengeTag(req.TxID, req.Nonce[:])
	return l.svc.Send(HeaderChallengeRequest, req.encode(), l.listener(l.awaitReply, l.onSendFailed))
}

func (l *Link) onChallengeResponse(p *service.Packet) {
	var resp challengeResponse
	if l.state != StateChallenge || !resp.decode(p.Payload) {
		return
	}
	if resp.TxID != l.chalTxID {
		glog.V(1).Infof("link host: stale challenge response %d", resp.TxID)
		return
	}
	expected := l.sess.ChallengeResponse(resp.TxID, l.chalNonce[:])
	if subtle.ConstantTimeCompare(expected[:], resp.Response[:]) != 1 {
		l.fail("mismatch")
		return
	}
	l.enterStage(StateClockSync)
}

func (l *Link) onClockSyncRequest(p *service.Packet) {
	switch l.state {
	case StateClockSync, StateSwitchover, StateLinked:
	default:
		return
	}
	var req clockSyncRequest
	if !req.decode(p.Payload) {
		return
	}
	if l.state == StateClockSync {
		l.armWatchdog()
	}
	resp := clockSyncResponse{TxID: req.TxID, T1: req.T1, T2: p.RxMicros}
	l.svc.Send(HeaderClockSyncResponse, resp.encode(), &stampedListener{stamp: stampClockSyncResponse})
}

func (l *Link) onLinkStart(p *service.Packet) {
	switch l.state {
	case StateClockSync, StateSwitchover:
	default:
		return
	}
	var m linkStart
	if !m.decode(p.Payload) {
		return
	}
	ahead := int32(m.StartAtMillis - l.nowMillis())
	if ahead < 0 || ahead > int32(l.cfg.HandshakeTimeout.Milliseconds()) {
		glog.Warningf("link host: link start %dms ahead ignored", ahead)
		return
	}
	if l.state == StateClockSync {
		l.enterStage(StateSwitchover)
	}
	l.scheduleActivation(m.StartAtMillis)
}
