// Package keyx implements the X25519 key exchange and the derivation of
// per-link session material.
package keyx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// KeySize is the size of public, private and shared keys.
const KeySize = 32

// TagSize is the size of challenge tags and responses.
const TagSize = 16

var (
	// ErrWeakKey indicates the peer public key yields a low-order point.
	ErrWeakKey = errors.New("weak public key")
)

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is an X25519 private key.
type PrivateKey [KeySize]byte

// SharedKey is the raw ECDH output.
type SharedKey [KeySize]byte

// KeyPair holds a local key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair creates a key pair reading entropy from rand.
func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("read entropy: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Shared computes the ECDH shared key with a peer.
func (kp *KeyPair) Shared(peer PublicKey) (SharedKey, error) {
	var shared SharedKey
	out, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return shared, ErrWeakKey
	}
	copy(shared[:], out)
	wipe(out)
	return shared, nil
}

// Wipe zeroes the private key.
func (kp *KeyPair) Wipe() {
	wipe(kp.Private[:])
}

// Wipe zeroes the shared key.
func (k *SharedKey) Wipe() {
	wipe(k[:])
}

// Side names one end of a link.
type Side uint8

// Sides.
const (
	SideHost Side = iota
	SideRemote
)

// Peer returns the other end.
func (s Side) Peer() Side {
	if s == SideHost {
		return SideRemote
	}
	return SideHost
}

// String implements fmt.Stringer.
func (s Side) String() string {
	switch s {
	case SideHost:
		return "host"
	case SideRemote:
		return "remote"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Keys protect the frames sent in one direction.
type Keys struct {
	MAC    [KeySize]byte
	Cipher [KeySize]byte
}

// Wipe zeroes the keys.
func (k *Keys) Wipe() {
	wipe(k.MAC[:])
	wipe(k.Cipher[:])
}

// Session is the material derived for one link.
type Session struct {
	Seed uint32
	// MACKey keys the challenge exchange.
	MACKey       [KeySize]byte
	HostToRemote Keys
	RemoteToHost Keys
}

// SentBy returns the keys protecting frames sent by side.
func (s *Session) SentBy(side Side) *Keys {
	if side == SideHost {
		return &s.HostToRemote
	}
	return &s.RemoteToHost
}

// Wipe zeroes the session material.
func (s *Session) Wipe() {
	s.Seed = 0
	wipe(s.MACKey[:])
	s.HostToRemote.Wipe()
	s.RemoteToHost.Wipe()
}

// Params identifies the link a Session is derived for. Host and Remote
// fill it identically, so both ends derive the same Session.
type Params struct {
	HostID    uint32
	RemoteID  uint32
	SessionID uint32
	Nonce     uint32
}

func (p Params) salt() []byte {
	salt := make([]byte, 16)
	binary.BigEndian.PutUint32(salt[0:], p.HostID)
	binary.BigEndian.PutUint32(salt[4:], p.RemoteID)
	binary.BigEndian.PutUint32(salt[8:], p.SessionID)
	binary.BigEndian.PutUint32(salt[12:], p.Nonce)
	return salt
}

func newHash() hash.Hash {
	return blake3.New(32, nil)
}

func expand(prk []byte, label string, out []byte) {
	io.ReadFull(hkdf.Expand(newHash, prk, []byte("linkstack v1:"+label)), out)
}

// DeriveSession expands the shared key into session material.
func DeriveSession(shared SharedKey, params Params) Session {
	var sess Session
	prk := hkdf.Extract(newHash, shared[:], params.salt())
	defer wipe(prk)
	var seed [4]byte
	expand(prk, "seed", seed[:])
	expand(prk, "challenge", sess.MACKey[:])
	expand(prk, "h2r:mac", sess.HostToRemote.MAC[:])
	expand(prk, "h2r:cipher", sess.HostToRemote.Cipher[:])
	expand(prk, "r2h:mac", sess.RemoteToHost.MAC[:])
	expand(prk, "r2h:cipher", sess.RemoteToHost.Cipher[:])
	sess.Seed = binary.BigEndian.Uint32(seed[:])
	return sess
}

func keyedTag(key *[KeySize]byte, label string, txID byte, nonce []byte) [TagSize]byte {
	h := blake3.New(TagSize, key[:])
	h.Write([]byte(label))
	h.Write([]byte{txID})
	h.Write(nonce)
	var tag [TagSize]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// ChallengeTag computes the tag the Host attaches to a challenge.
func (s *Session) ChallengeTag(txID byte, nonce []byte) [TagSize]byte {
	return keyedTag(&s.MACKey, "challenge", txID, nonce)
}

// ChallengeResponse computes the value the Remote must return.
func (s *Session) ChallengeResponse(txID byte, nonce []byte) [TagSize]byte {
	return keyedTag(&s.MACKey, "response", txID, nonce)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
