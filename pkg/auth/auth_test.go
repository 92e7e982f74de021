package auth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/token"
)

type testClock struct {
	micros uint64
}

func (c *testClock) GetSyncMicros64() uint64 { return c.micros }
func (c *testClock) GetSyncMillis() uint32   { return uint32(c.micros / 1000) }

func testFrame(payload ...byte) []byte {
	f := packet.Frame{ID: 3, Header: 0x10, Payload: payload}
	return f.Bytes()
}

func testSession() keyx.Session {
	var shared keyx.SharedKey
	shared[1] = 9
	return keyx.DeriveSession(shared, keyx.Params{HostID: 1, RemoteID: 2, SessionID: 3})
}

func newTestAuth(encrypt bool) (*Authenticator, *testClock) {
	clk := &testClock{}
	return New(clk, token.NewSource(clk, 1000), 0x5eed, encrypt), clk
}

// newSessionPair returns the host and remote ends of one session.
func newSessionPair(encrypt bool) (host, remote *Authenticator, hostClock, remoteClock *testClock) {
	sess := testSession()
	host, hostClock = newTestAuth(encrypt)
	remote, remoteClock = newTestAuth(encrypt)
	host.SetSession(&sess, keyx.SideHost)
	remote.SetSession(&sess, keyx.SideRemote)
	return
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestCRCCodec(t *testing.T) {
	frame := testFrame(1, 2, 3)
	CRCCodec{}.Seal(77, frame)
	assert.True(t, CRCCodec{}.Open(77, frame))
	assert.False(t, CRCCodec{}.Open(78, frame))
	frame[len(frame)-1] ^= 0x01
	assert.False(t, CRCCodec{}.Open(77, frame))
}

func TestSealedCodec(t *testing.T) {
	sess := testSession()
	c := NewSealedCodec(sess.SentBy(keyx.SideHost))
	plain := []byte("hello, radio")
	frame := testFrame(plain...)
	c.Seal(1234, frame)
	assert.NotEqual(t, plain, frame[packet.Overhead:], "payload must be encrypted")

	t.Run("wrong token", func(t *testing.T) {
		sealed := append([]byte(nil), frame...)
		assert.False(t, c.Open(1235, sealed))
		assert.Equal(t, frame, sealed, "frame untouched on failure")
	})
	t.Run("tampered", func(t *testing.T) {
		for i := range frame {
			tampered := append([]byte(nil), frame...)
			tampered[i] ^= 0x80
			assert.False(t, c.Open(1234, tampered), "byte %d", i)
		}
	})
	t.Run("other session", func(t *testing.T) {
		var shared keyx.SharedKey
		other := keyx.DeriveSession(shared, keyx.Params{HostID: 1, RemoteID: 2})
		assert.False(t, NewSealedCodec(other.SentBy(keyx.SideHost)).Open(1234, append([]byte(nil), frame...)))
	})
	t.Run("other direction", func(t *testing.T) {
		assert.False(t, NewSealedCodec(sess.SentBy(keyx.SideRemote)).Open(1234, append([]byte(nil), frame...)))
	})
	t.Run("valid", func(t *testing.T) {
		opened := append([]byte(nil), frame...)
		require.True(t, c.Open(1234, opened))
		assert.Equal(t, plain, opened[packet.Overhead:])
	})
	t.Run("empty payload", func(t *testing.T) {
		empty := testFrame()
		c.Seal(5, empty)
		assert.True(t, c.Open(5, empty))
	})
}

func TestPairingOnly(t *testing.T) {
	a, _ := newTestAuth(true)
	assert.Equal(t, ModePairing, a.Mode())
	frame := testFrame(1)
	assert.False(t, a.Seal(frame, LevelLink, 0))
	require.True(t, a.Seal(frame, LevelPairing, 0))
	level, ok := a.Open(frame)
	require.True(t, ok)
	assert.Equal(t, LevelPairing, level)

	other := New(&testClock{}, token.NewSource(&testClock{}, 1000), 0x5eee, true)
	_, ok = other.Open(frame)
	assert.False(t, ok, "different pairing token")
	_, ok = a.Open(frame[:packet.Overhead-1])
	assert.False(t, ok)
}

func TestSessionMode(t *testing.T) {
	tx, rx, txClock, rxClock := newSessionPair(true)
	// clocks are unrelated before synchronization.
	txClock.micros, rxClock.micros = 5000000, 123000000

	frame := testFrame(4, 5, 6)
	require.True(t, tx.Seal(frame, LevelLink, 0))
	level, ok := rx.Open(frame)
	require.True(t, ok)
	assert.Equal(t, LevelLink, level)
	assert.Equal(t, []byte{4, 5, 6}, frame[packet.Overhead:])

	// pairing frames are still recognized.
	kx := testFrame(1)
	require.True(t, tx.Seal(kx, LevelPairing, 0))
	level, ok = rx.Open(kx)
	require.True(t, ok)
	assert.Equal(t, LevelPairing, level)
}

func TestRotationBoundaryTolerance(t *testing.T) {
	for _, encrypt := range []bool{false, true} {
		a, rx, _, _ := newSessionPair(encrypt)
		require.True(t, a.StartRotation(0))
		require.True(t, rx.StartRotation(0))
		assert.Equal(t, ModeRotating, a.Mode())

		const w = 50
		sealed := testFrame(7, 7, 7)
		require.True(t, a.SealAt(sealed, LevelLink, w*1000+999))

		try := func(millis uint32) bool {
			frame := append([]byte(nil), sealed...)
			level, ok := rx.OpenAt(frame, millis)
			return ok && level == LevelLink
		}
		assert.True(t, try(w*1000), "window W")
		assert.True(t, try(w*1000+999), "window W")
		assert.True(t, try((w+1)*1000), "window W+1")
		assert.True(t, try((w+1)*1000+999), "window W+1")
		assert.False(t, try((w+2)*1000), "window W+2")
		assert.False(t, try((w-1)*1000), "window W-1")
	}
}

func TestSealProjectsTransmitDuration(t *testing.T) {
	a, rx, clk, _ := newSessionPair(false)
	a.StartRotation(0)
	rx.StartRotation(0)
	clk.micros = 9999500
	frame := testFrame(1)
	require.True(t, a.Seal(frame, LevelLink, 1000))
	// with the projection the frame belongs to window 10, so it still
	// verifies in window 11.
	_, ok := rx.OpenAt(append([]byte(nil), frame...), 11000)
	assert.True(t, ok)

	frame = testFrame(1)
	require.True(t, a.Seal(frame, LevelLink, 0))
	_, ok = rx.OpenAt(append([]byte(nil), frame...), 11000)
	assert.False(t, ok)
}

func TestSwitchoverGrace(t *testing.T) {
	tx, rx, _, rxClock := newSessionPair(true)

	late := testFrame(9)
	require.True(t, tx.Seal(late, LevelLink, 0))

	rxClock.micros = 20000000
	rx.StartRotation(100)
	rxClock.micros += 50000
	_, ok := rx.Open(append([]byte(nil), late...))
	assert.True(t, ok, "within grace")
	rxClock.micros += 60000
	_, ok = rx.Open(append([]byte(nil), late...))
	assert.False(t, ok, "grace expired")
}

func TestReset(t *testing.T) {
	sess := testSession()
	a, _ := newTestAuth(true)
	a.SetSession(&sess, keyx.SideHost)
	frame := testFrame(1)
	require.True(t, a.Seal(frame, LevelLink, 0))
	a.Reset()
	assert.Equal(t, ModePairing, a.Mode())
	assert.False(t, a.StartRotation(0))
	level, ok := a.Open(frame)
	assert.False(t, ok && level == LevelLink)
	assert.False(t, bytes.Equal(frame, testFrame(1)))
}

func TestDirectionsAreSeparated(t *testing.T) {
	sealPair := func(host, remote *Authenticator, hdr packet.Header, id packet.RollingID, p1, p2 []byte) (c1, c2 []byte) {
		f1 := packet.Frame{ID: id, Header: hdr, Payload: append([]byte(nil), p1...)}
		f2 := packet.Frame{ID: id, Header: hdr, Payload: append([]byte(nil), p2...)}
		c1, c2 = f1.Bytes(), f2.Bytes()
		require.True(t, host.Seal(c1, LevelLink, 0))
		require.True(t, remote.Seal(c2, LevelLink, 0))
		return c1, c2
	}

	t.Run("keystream", func(t *testing.T) {
		host, remote, _, _ := newSessionPair(true)
		p1, p2 := []byte("SECRET-HOST-DATA"), []byte("remote-telemetry")
		c1, c2 := sealPair(host, remote, 0x08, 9, p1, p2)
		assert.NotEqual(t, xor(p1, p2), xor(c1[packet.Overhead:], c2[packet.Overhead:]))

		level, ok := remote.Open(c1)
		require.True(t, ok)
		assert.Equal(t, LevelLink, level)
		assert.Equal(t, p1, c1[packet.Overhead:])
	})
	t.Run("acks", func(t *testing.T) {
		host, _, _, _ := newSessionPair(true)
		a1 := packet.Ack{Header: 0x10, ID: 1}.Bytes()
		a2 := packet.Ack{Header: 0x10, ID: 2}.Bytes()
		c1, c2 := sealPair(host, host, packet.HeaderAck, 0, a1, a2)
		assert.NotEqual(t, xor(a1, a2), xor(c1[packet.Overhead:], c2[packet.Overhead:]))
	})
	for _, encrypt := range []bool{true, false} {
		host, remote, _, _ := newSessionPair(encrypt)
		frame := testFrame(1, 2, 3)
		require.True(t, host.Seal(frame, LevelLink, 0))
		level, ok := host.Open(append([]byte(nil), frame...))
		assert.False(t, ok && level == LevelLink, "reflected frame, encrypt=%v", encrypt)
		level, ok = remote.Open(frame)
		assert.True(t, ok && level == LevelLink, "encrypt=%v", encrypt)
	}
}
