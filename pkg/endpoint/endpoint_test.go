package endpoint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/sim"
)

var dataDef = packet.Definition{Name: "data", Header: 0x10, PayloadSize: 3, HasAck: true}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := endpoint.DefaultConfig()
	cfg.HopPeriodMillis = 0
	_, err := endpoint.New(endpoint.Hardware{}, cfg)
	assert.Error(t, err)

	// 0x03 collides with a link message, 0x09 is unused but reserved.
	for _, hdr := range []packet.Header{0x03, 0x09, 0x0f} {
		_, err = endpoint.New(endpoint.Hardware{}, endpoint.DefaultConfig(),
			packet.Definition{Name: "bad", Header: hdr, PayloadSize: 1})
		var setupErr *packet.SetupError
		require.ErrorAs(t, err, &setupErr, "header %s", hdr)
		assert.Equal(t, hdr, setupErr.Header)
	}
}

func TestLifecycle(t *testing.T) {
	w, host, remote, err := sim.NewPair(sim.DefaultConfig(), endpoint.DefaultConfig(), dataDef)
	require.NoError(t, err)

	assert.False(t, remote.Send(dataDef.Header, []byte{1, 2, 3}, nil), "not started")
	st := remote.Status()
	assert.Equal(t, link.StateDisabled, st.Link.State)
	assert.Equal(t, auth.ModePairing, st.AuthMode)
	assert.Equal(t, packet.DefaultMaxFrameSize, st.MaxFrame)
	assert.Contains(t, st.Definitions, dataDef)

	var got [][]byte
	require.True(t, host.RegisterPacketReceiver(service.ReceiveFunc(func(p *service.Packet) {
		got = append(got, append([]byte(nil), p.Payload...))
	}), dataDef.Header))

	require.NoError(t, w.Start())
	require.True(t, w.RunUntil(10*time.Second, w.Linked))
	st = remote.Status()
	assert.Equal(t, link.StateLinked, st.Link.State)
	assert.True(t, st.Hopping)
	assert.Equal(t, auth.ModeRotating, st.AuthMode)

	var acked bool
	require.True(t, w.RunUntil(time.Second, func() bool {
		return remote.Send(dataDef.Header, []byte{1, 2, 3}, service.AckFuncs{
			Ok: func(packet.Header, packet.RollingID) { acked = true },
		})
	}))
	require.True(t, w.RunUntil(time.Second, func() bool { return acked }))
	assert.Equal(t, [][]byte{{1, 2, 3}}, got)

	remote.Stop()
	st = remote.Status()
	assert.Equal(t, link.StateDisabled, st.Link.State)
	assert.False(t, st.Hopping)
	assert.False(t, remote.Send(dataDef.Header, []byte{1, 2, 3}, nil))
}
