package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/transport"
)

func TestHubOverWebsocket(t *testing.T) {
	hub := transport.NewHub()
	srv := httptest.NewServer(HubHandler(hub))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	a, err := Dial(url, srv.URL)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(url, srv.URL)
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return hub.Members() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, a.WritePacket([]byte{5, 0xde, 0xad}))
	pkt, err := b.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0xde, 0xad}, pkt)

	assert.Equal(t, transport.ErrTooLarge, a.WritePacket(make([]byte, transport.MaxPacketSize+1)))
}
