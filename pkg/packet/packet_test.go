package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingID(t *testing.T) {
	for s := 1; s < 255; s++ {
		require.True(t, RollingID(s).IsValid())
		require.Equal(t, RollingID(s+1), RollingID(s).Next())
	}
	require.Equal(t, RollingID(1), RollingID(255).Next())
	require.Equal(t, RollingID(1), RollingID(0).Next())
	require.False(t, RollingID(0).IsValid())

	assert.Equal(t, 1, RollingID(5).StepsFrom(4))
	assert.Equal(t, 1, RollingID(1).StepsFrom(255))
	assert.Equal(t, 3, RollingID(2).StepsFrom(254))
	assert.Equal(t, 255, RollingID(9).StepsFrom(9))
}

func TestHeaderRanges(t *testing.T) {
	testCases := []struct {
		name   string
		header Header
		ack    bool
		lc     bool
		user   bool
	}{
		{"ack", 0x00, true, false, false},
		{"first link control", 0x01, false, true, false},
		{"last link control", 0x0f, false, true, false},
		{"first user", 0x10, false, false, true},
		{"last user", 0xff, false, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ack, tc.header.IsAck())
			assert.Equal(t, tc.lc, tc.header.IsLinkControl())
			assert.Equal(t, tc.user, tc.header.IsUser())
		})
	}
}

func TestFrame(t *testing.T) {
	testCases := []struct {
		name   string
		frame  Frame
		expect []byte
	}{
		{"no payload", Frame{MAC: 0x01020304, ID: 5, Header: 0x10}, []byte{1, 2, 3, 4, 5, 0x10}},
		{"payload", Frame{MAC: 0xa0b0c0d0, ID: 255, Header: 0x22, Payload: []byte{9, 8}}, []byte{0xa0, 0xb0, 0xc0, 0xd0, 255, 0x22, 9, 8}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.frame.Bytes()
			require.Equal(t, tc.expect, b)
			require.Equal(t, len(tc.expect), tc.frame.Size())
			require.Equal(t, tc.expect[MACSize:], Content(b))
			require.Equal(t, tc.frame.MAC, MACOf(b))

			parsed, err := Parse(b)
			require.NoError(t, err)
			require.Equal(t, tc.frame.ID, parsed.ID)
			require.Equal(t, tc.frame.Header, parsed.Header)
			require.Equal(t, len(tc.frame.Payload), len(parsed.Payload))
		})
	}

	_, err := Parse([]byte{1, 2, 3, 4, 5})
	assert.ErrorIs(t, err, ErrShortFrame)

	b := []byte{0, 0, 0, 0, 1, 2}
	SetMAC(b, 0xfeedface)
	assert.Equal(t, []byte{0xfe, 0xed, 0xfa, 0xce, 1, 2}, b)
}

func TestAck(t *testing.T) {
	ack := Ack{Header: 0x12, ID: 7}
	assert.Equal(t, []byte{0x12, 7}, ack.Bytes())
	parsed, ok := ParseAck(ack.Bytes())
	require.True(t, ok)
	assert.Equal(t, ack, parsed)
	_, ok = ParseAck([]byte{1})
	assert.False(t, ok)
}

func TestMapSetup(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m := NewMap(32).
			DefineLinkControl(Definition{Name: "kx", Header: 0x01, PayloadSize: 10, HasAck: true}).
			Define(Definition{Name: "a", Header: 0x10, PayloadSize: 26})
		require.NoError(t, m.Setup())
		def, ok := m.Lookup(0x01)
		require.True(t, ok)
		assert.Equal(t, "link/kx", def.Name)
		assert.True(t, def.HasAck)
		_, ok = m.Lookup(0x11)
		assert.False(t, ok)
		assert.Len(t, m.Definitions(), 2)
	})

	failures := []struct {
		name string
		m    *Map
		hdr  Header
	}{
		{"ack header", NewMap(32).Define(Definition{Header: 0x00}), 0x00},
		{"link control without permission", NewMap(32).Define(Definition{Header: 0x03}), 0x03},
		{"user def in link control range", NewMap(32).Define(Definition{Header: 0x09}).DefineLinkControl(Definition{Name: "kx", Header: 0x01}), 0x09},
		{"user def after link control", NewMap(32).DefineLinkControl(Definition{Name: "kx", Header: 0x01}).Define(Definition{Header: 0x0f}), 0x0f},
		{"link control in user range", NewMap(32).DefineLinkControl(Definition{Name: "kx", Header: 0x40}), 0x40},
		{"collision", NewMap(32).Define(Definition{Name: "a", Header: 0x20}, Definition{Name: "b", Header: 0x20}), 0x20},
		{"oversized", NewMap(32).Define(Definition{Header: 0x30, PayloadSize: 27}), 0x30},
		{"negative", NewMap(32).Define(Definition{Header: 0x31, PayloadSize: -1}), 0x31},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Setup()
			require.Error(t, err)
			var setupErr *SetupError
			require.ErrorAs(t, err, &setupErr)
			assert.Equal(t, tc.hdr, setupErr.Header)
			assert.False(t, tc.m.Ready())
			_, ok := tc.m.Lookup(tc.hdr)
			assert.False(t, ok)
		})
	}
}

func TestCounters(t *testing.T) {
	c := NewCounters(254)
	assert.Equal(t, RollingID(255), c.NextTx())
	assert.Equal(t, RollingID(1), c.NextTx())

	assert.False(t, c.Observe(10, 0x10, 1))
	assert.True(t, c.Observe(10, 0x10, 1))
	// same id, different content: a new frame after the peer restarted.
	assert.False(t, c.Observe(10, 0x11, 1))
	assert.False(t, c.Observe(13, 0x10, 2))
	stats := c.Stats()
	assert.Equal(t, uint32(3), stats.Received)
	assert.Equal(t, uint32(1), stats.Duplicates)
	assert.Equal(t, uint32(2), stats.Gaps)

	c.Reset(7)
	assert.Equal(t, CounterStats{}, c.Stats())
	assert.Equal(t, RollingID(8), c.NextTx())
	assert.False(t, c.Observe(10, 0x10, 1))
}
