package auth

import (
	"fmt"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/token"
)

// Level is the trust level a frame is sealed or verified at.
type Level uint8

// Levels.
const (
	// LevelPairing frames are keyed by the static pairing token and
	// carry no secret.
	LevelPairing Level = iota
	// LevelLink frames are keyed by session material.
	LevelLink
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelPairing:
		return "pairing"
	case LevelLink:
		return "link"
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// Mode selects how link-level frames are keyed.
type Mode uint8

// Modes.
const (
	// ModePairing has no session; only pairing frames are accepted.
	ModePairing Mode = iota
	// ModeSession keys link frames with the static session seed, used
	// while clocks are not yet synchronized.
	ModeSession
	// ModeRotating keys link frames with the windowed token.
	ModeRotating
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModePairing:
		return "pairing"
	case ModeSession:
		return "session"
	case ModeRotating:
		return "rotating"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Clock provides synchronized time.
type Clock interface {
	GetSyncMicros64() uint64
}

// Authenticator seals outbound and verifies inbound frames.
// It is used from the cooperative context only.
type Authenticator struct {
	clock        Clock
	tokens       *token.Source
	pairingToken uint32
	encrypt      bool

	mode       Mode
	tx         Codec
	rx         Codec
	graceUntil uint32
	grace      bool
}

// New creates an Authenticator. tokens carries the MAC rotation
// granularity; encrypt selects the sealed codec for link frames.
func New(clock Clock, tokens *token.Source, pairingToken uint32, encrypt bool) *Authenticator {
	return &Authenticator{
		clock:        clock,
		tokens:       tokens,
		pairingToken: pairingToken,
		encrypt:      encrypt,
	}
}

// Mode returns the current mode.
func (a *Authenticator) Mode() Mode {
	return a.mode
}

// SetSession installs session material for the local side of the link
// and switches to ModeSession. Frames are sealed with the keys of local
// and opened with the keys of its peer.
func (a *Authenticator) SetSession(sess *keyx.Session, local keyx.Side) {
	a.wipeLink()
	a.tokens.SetSeed(sess.Seed)
	if a.encrypt {
		a.tx = NewSealedCodec(sess.SentBy(local))
		a.rx = NewSealedCodec(sess.SentBy(local.Peer()))
	} else {
		a.tx = CRCCodec{Direction: byte(local) + 1}
		a.rx = CRCCodec{Direction: byte(local.Peer()) + 1}
	}
	a.mode = ModeSession
	a.grace = false
}

// StartRotation switches to rotating tokens. Frames keyed by the static
// session seed are still accepted for graceMillis.
func (a *Authenticator) StartRotation(graceMillis uint32) bool {
	if a.mode == ModePairing {
		return false
	}
	a.mode = ModeRotating
	a.graceUntil = a.nowMillis(0) + graceMillis
	a.grace = graceMillis > 0
	return true
}

// Reset drops all session material.
func (a *Authenticator) Reset() {
	a.wipeLink()
	a.tokens.Clear()
	a.mode = ModePairing
	a.grace = false
}

func (a *Authenticator) wipeLink() {
	for _, c := range []Codec{a.tx, a.rx} {
		if sealed, ok := c.(*SealedCodec); ok {
			sealed.Wipe()
		}
	}
	a.tx, a.rx = nil, nil
}

func (a *Authenticator) nowMillis(aheadMicros uint32) uint32 {
	return uint32((a.clock.GetSyncMicros64() + uint64(aheadMicros)) / 1000)
}

func (a *Authenticator) sessionToken() uint32 {
	return a.tokens.ForWindow(0)
}

// Seal seals frame at level, evaluating the token at the current time
// projected forward by ettmMicros.
func (a *Authenticator) Seal(frame []byte, level Level, ettmMicros uint32) bool {
	return a.SealAt(frame, level, a.nowMillis(ettmMicros))
}

// SealAt seals frame with the token valid at millis.
func (a *Authenticator) SealAt(frame []byte, level Level, millis uint32) bool {
	if len(frame) < packet.Overhead {
		return false
	}
	if level == LevelPairing {
		CRCCodec{}.Seal(a.pairingToken, frame)
		return true
	}
	switch a.mode {
	case ModeSession:
		a.tx.Seal(a.sessionToken(), frame)
	case ModeRotating:
		a.tx.Seal(a.tokens.TokenAt(millis), frame)
	default:
		return false
	}
	return true
}

// Open verifies frame at the current time.
func (a *Authenticator) Open(frame []byte) (Level, bool) {
	return a.OpenAt(frame, a.nowMillis(0))
}

// OpenAt verifies frame as received at millis. Link frames are tried
// against the current and the preceding window only.
func (a *Authenticator) OpenAt(frame []byte, millis uint32) (Level, bool) {
	if len(frame) < packet.Overhead {
		return LevelPairing, false
	}
	switch a.mode {
	case ModeSession:
		if a.rx.Open(a.sessionToken(), frame) {
			return LevelLink, true
		}
	case ModeRotating:
		w := a.tokens.Window(millis)
		if a.rx.Open(a.tokens.ForWindow(w), frame) {
			return LevelLink, true
		}
		if w > 0 && a.rx.Open(a.tokens.ForWindow(w-1), frame) {
			return LevelLink, true
		}
		if a.grace {
			if int32(a.graceUntil-millis) > 0 {
				if a.rx.Open(a.sessionToken(), frame) {
					return LevelLink, true
				}
			} else {
				a.grace = false
			}
		}
	}
	if (CRCCodec{}).Open(a.pairingToken, frame) {
		return LevelPairing, true
	}
	return LevelPairing, false
}
