// Package auth computes and verifies the per-frame MAC keyed by the
// rotating token, with optional payload encryption.
package auth

import (
	"crypto/subtle"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
)

// Codec seals and opens encoded frames in place.
type Codec interface {
	// Seal fills the MAC field, encrypting the payload first if the codec
	// encrypts.
	Seal(token uint32, frame []byte)
	// Open verifies the MAC and decrypts the payload. The frame is only
	// modified when verification succeeds.
	Open(token uint32, frame []byte) bool
}

// CRCCodec is the plain, unencrypted codec: a CRC-32 over the token, the
// sending direction and the frame content. Pairing frames use the zero
// Direction.
type CRCCodec struct {
	Direction byte
}

func (c CRCCodec) sum(token uint32, frame []byte) uint32 {
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], token)
	crc := crc32.Update(0, crc32.IEEETable, tok[:])
	if c.Direction != 0 {
		crc = crc32.Update(crc, crc32.IEEETable, []byte{c.Direction})
	}
	return crc32.Update(crc, crc32.IEEETable, packet.Content(frame))
}

// Seal implements Codec.
func (c CRCCodec) Seal(token uint32, frame []byte) {
	packet.SetMAC(frame, c.sum(token, frame))
}

// Open implements Codec.
func (c CRCCodec) Open(token uint32, frame []byte) bool {
	return packet.MACOf(frame) == c.sum(token, frame)
}

// SealedCodec authenticates the plaintext with a keyed BLAKE3 tag truncated
// to the MAC field and encrypts the payload with ChaCha20 under a nonce
// built from the token, the tag, the rolling id and the header. Frames that
// differ in content never share a keystream unless their tags collide.
// One SealedCodec covers one direction.
type SealedCodec struct {
	macKey    [keyx.KeySize]byte
	cipherKey [keyx.KeySize]byte
}

// NewSealedCodec creates a SealedCodec from the keys of one direction.
func NewSealedCodec(keys *keyx.Keys) *SealedCodec {
	return &SealedCodec{macKey: keys.MAC, cipherKey: keys.Cipher}
}

// Wipe zeroes the keys.
func (c *SealedCodec) Wipe() {
	c.macKey = [keyx.KeySize]byte{}
	c.cipherKey = [keyx.KeySize]byte{}
}

func (c *SealedCodec) tag(token uint32, content []byte) []byte {
	h := blake3.New(packet.MACSize, c.macKey[:])
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], token)
	h.Write(tok[:])
	h.Write(content)
	return h.Sum(nil)
}

func (c *SealedCodec) crypt(token uint32, frame, dst []byte) {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[:], token)
	copy(nonce[4:], frame[:packet.MACSize])
	nonce[8], nonce[9] = frame[packet.MACSize], frame[packet.MACSize+1]
	s, err := chacha20.NewUnauthenticatedCipher(c.cipherKey[:], nonce[:])
	if err != nil {
		panic(err)
	}
	s.XORKeyStream(dst, frame[packet.Overhead:])
}

// Seal implements Codec.
func (c *SealedCodec) Seal(token uint32, frame []byte) {
	copy(frame[:packet.MACSize], c.tag(token, packet.Content(frame)))
	if len(frame) > packet.Overhead {
		c.crypt(token, frame, frame[packet.Overhead:])
	}
}

// Open implements Codec.
func (c *SealedCodec) Open(token uint32, frame []byte) bool {
	content := append([]byte(nil), packet.Content(frame)...)
	if len(frame) > packet.Overhead {
		c.crypt(token, frame, content[2:])
	}
	if subtle.ConstantTimeCompare(frame[:packet.MACSize], c.tag(token, content)) != 1 {
		return false
	}
	copy(packet.Content(frame), content)
	return true
}
