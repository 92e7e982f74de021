package link_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/sim"
)

type linkEvents struct {
	events []bool
}

func (e *linkEvents) OnLinkStateUpdated(hasLink bool) {
	e.events = append(e.events, hasLink)
}

func newWorld(t *testing.T) (w *sim.World, host, remote *sim.Node, hostEv, remoteEv *linkEvents) {
	w, host, remote, err := sim.NewPair(sim.DefaultConfig(), endpoint.DefaultConfig())
	require.NoError(t, err)
	hostEv, remoteEv = &linkEvents{}, &linkEvents{}
	host.RegisterLinkListener(hostEv)
	remote.RegisterLinkListener(remoteEv)
	assert.Equal(t, link.StateDisabled, host.Link.State())
	require.NoError(t, w.Start())
	return
}

func TestHandshakeEstablishesLink(t *testing.T) {
	w, host, remote, hostEv, remoteEv := newWorld(t)
	assert.Equal(t, link.StateBooting, host.Link.State())
	assert.Equal(t, link.RoleHost, host.Link.Role())
	assert.Equal(t, link.RoleRemote, remote.Link.Role())

	require.True(t, w.RunUntil(10*time.Second, w.Linked))
	assert.Equal(t, []bool{true}, hostEv.events)
	assert.Equal(t, []bool{true}, remoteEv.events)
	assert.True(t, host.Hopper.Hopping())
	assert.True(t, remote.Hopper.Hopping())
	assert.Equal(t, auth.ModeRotating, host.Auth.Mode())
	assert.Equal(t, auth.ModeRotating, remote.Auth.Mode())

	hs, rs := host.Link.Stats(), remote.Link.Stats()
	assert.NotZero(t, hs.SessionID)
	assert.Equal(t, hs.SessionID, rs.SessionID)
	assert.Equal(t, uint64(1), hs.Links)
	assert.Equal(t, uint64(1), rs.Links)
	assert.Less(t, abs(rs.LastOffsetMicros), int64(100))

	// the link stays up across reports and resyncs.
	w.Run(5 * time.Second)
	assert.True(t, w.Linked())
	assert.Equal(t, []bool{true}, hostEv.events)
	assert.Equal(t, host.Hopper.ChannelAt(host.Clock.GetSyncMillis()), remote.Hopper.ChannelAt(host.Clock.GetSyncMillis()))
	assert.NotZero(t, host.Link.Stats().PeerRSSI)
	assert.Less(t, abs(remote.Link.Stats().LastOffsetMicros), int64(200))
}

func TestCorruptedChallengeNeverLinks(t *testing.T) {
	w, host, remote, hostEv, remoteEv := newWorld(t)
	link.SetChallengeResponder(remote.Link, func(txID byte, nonce []byte) (r [keyx.TagSize]byte) {
		r[0] = txID
		return
	})

	awaiting := 0
	prev := host.Link.State()
	w.RunUntil(12*time.Second, func() bool {
		st := host.Link.State()
		if st != prev && st == link.StateAwaitingLink {
			awaiting++
			assert.False(t, link.HasSession(host.Link))
			assert.Equal(t, auth.ModePairing, host.Auth.Mode())
			assert.False(t, host.HopTokens.HasSeed())
		}
		prev = st
		return false
	})
	assert.False(t, host.Link.HasLink())
	assert.False(t, remote.Link.HasLink())
	assert.Empty(t, hostEv.events)
	assert.Empty(t, remoteEv.events)
	assert.Greater(t, awaiting, 1)
	failures := host.Counters.Snapshot().HandshakeFailures
	assert.NotZero(t, failures["challenge/mismatch"])
	assert.NotZero(t, host.Link.Stats().HandshakeFailures)
}

func TestLinkLossAndRecovery(t *testing.T) {
	w, host, remote, hostEv, remoteEv := newWorld(t)
	require.True(t, w.RunUntil(10*time.Second, w.Linked))

	w.Medium.Blocked = true
	require.True(t, w.RunUntil(3*time.Second, func() bool {
		return !host.Link.HasLink() && !remote.Link.HasLink()
	}))
	assert.Equal(t, []bool{true, false}, hostEv.events)
	assert.Equal(t, []bool{true, false}, remoteEv.events)
	assert.False(t, host.Hopper.Hopping())
	assert.False(t, link.HasSession(host.Link))
	assert.Equal(t, uint64(1), host.Link.Stats().Losses)

	w.Medium.Blocked = false
	require.True(t, w.RunUntil(10*time.Second, w.Linked))
	assert.Equal(t, []bool{true, false, true}, hostEv.events)
	assert.Equal(t, []bool{true, false, true}, remoteEv.events)
	assert.Equal(t, host.Link.Stats().SessionID, remote.Link.Stats().SessionID)
}

func TestStopFromLinked(t *testing.T) {
	w, host, remote, _, remoteEv := newWorld(t)
	require.True(t, w.RunUntil(10*time.Second, w.Linked))

	remote.Stop()
	assert.Equal(t, link.StateDisabled, remote.Link.State())
	assert.False(t, remote.Hopper.Hopping())
	assert.False(t, link.HasSession(remote.Link))
	assert.Equal(t, auth.ModePairing, remote.Auth.Mode())
	assert.Equal(t, []bool{true, false}, remoteEv.events)

	require.True(t, w.RunUntil(3*time.Second, func() bool { return !host.Link.HasLink() }))
	w.Run(time.Second)
	assert.Equal(t, link.StateDisabled, remote.Link.State())
	assert.Equal(t, link.StateAwaitingLink, host.Link.State())
}

func TestLinkedHostIgnoresKeyExchange(t *testing.T) {
	w, host, remote, hostEv, _ := newWorld(t)
	require.True(t, w.RunUntil(10*time.Second, w.Linked))
	sessionID := host.Link.Stats().SessionID

	frame := link.KeyExchangeRequestFrame(77, sim.RemoteID)
	require.True(t, remote.Auth.Seal(frame, auth.LevelPairing, 0))
	require.True(t, host.Service.OnRx(frame, host.Clock.GetSyncMicros64(), -40))
	w.Run(100 * time.Millisecond)

	assert.Equal(t, link.StateLinked, host.Link.State())
	assert.Equal(t, sessionID, host.Link.Stats().SessionID)
	assert.Equal(t, []bool{true}, hostEv.events)
	assert.Equal(t, uint64(1), host.Counters.Snapshot().HandshakeFailures["kx/linked"])
	assert.True(t, w.Linked())
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
