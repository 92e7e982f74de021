package link

import (
	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
)

// SetChallengeResponder replaces how the Remote answers challenges.
func SetChallengeResponder(l *Link, fn func(txID byte, nonce []byte) [keyx.TagSize]byte) {
	l.respond = func(_ *keyx.Session, txID byte, nonce []byte) [keyx.TagSize]byte {
		return fn(txID, nonce)
	}
}

// HasSession reports whether session material is held.
func HasSession(l *Link) bool {
	return l.sess != nil || l.keys != nil
}

// KeyExchangeRequestFrame encodes an unsealed KeyExchangeRequest frame.
func KeyExchangeRequestFrame(id packet.RollingID, remoteID uint32) []byte {
	req := keyExchangeRequest{Version: ProtocolVersion, Nonce: 1, RemoteID: remoteID}
	f := packet.Frame{ID: id, Header: HeaderKeyExchangeRequest, Payload: req.encode()}
	return f.Bytes()
}
