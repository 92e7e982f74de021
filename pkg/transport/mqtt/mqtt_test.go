package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeBroker struct {
	lock    sync.Mutex
	clients []*fakeClient
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	b.lock.Lock()
	type target struct {
		c  *fakeClient
		cb paho.MessageHandler
	}
	var targets []target
	for _, c := range b.clients {
		for filter, cb := range c.subs {
			if MatchTopic(topic, filter) {
				targets = append(targets, target{c, cb})
			}
		}
	}
	b.lock.Unlock()
	for _, t := range targets {
		t.cb(t.c, &fakeMessage{topic: topic, payload: payload})
	}
}

type fakeClient struct {
	broker    *fakeBroker
	subs      map[string]paho.MessageHandler
	published []string
}

func (b *fakeBroker) newQueue(prefix string) *Queue {
	c := &fakeClient{broker: b, subs: make(map[string]paho.MessageHandler)}
	b.lock.Lock()
	b.clients = append(b.clients, c)
	b.lock.Unlock()
	return &Queue{Client: c, TopicPrefix: prefix, subs: make(map[string][]*Subscription)}
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() paho.Token    { return &paho.DummyToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.broker.lock.Lock()
	c.published = append(c.published, topic)
	c.broker.lock.Unlock()
	c.broker.publish(topic, payload.([]byte))
	return &paho.DummyToken{}
}
func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.broker.lock.Lock()
	c.subs[topic] = cb
	c.broker.lock.Unlock()
	return &paho.DummyToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	for topic := range filters {
		c.Subscribe(topic, 0, cb)
	}
	return &paho.DummyToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.broker.lock.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.broker.lock.Unlock()
	return &paho.DummyToken{}
}
func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		topic, pattern string
		match          bool
	}{
		{"air", "air", true},
		{"air", "air/1", false},
		{"air/1", "air", false},
		{"air/1", "air/+", true},
		{"node/a/status", "node/+/status", true},
		{"node/a/b/status", "node/+/status", false},
		{"node/a/status", "node/#", true},
		{"node", "node/#", true},
		{"other/a", "node/#", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.match, MatchTopic(c.topic, c.pattern), "%s ~ %s", c.topic, c.pattern)
	}
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, prefix, err := ClientOptionsFromURL("mqtt://u:p@broker:1883/linkstack/?client-id=n1")
	require.NoError(t, err)
	assert.Equal(t, "linkstack/", prefix)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker:1883", opts.Servers[0].String())
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.Equal(t, "n1", opts.ClientID)

	opts, prefix, err = ClientOptionsFromURL("ws://broker:9001")
	require.NoError(t, err)
	assert.Empty(t, prefix)
	assert.Equal(t, "ws://broker:9001", opts.Servers[0].String())

	opts, _, err = ClientOptionsFromURL("mqtts://broker:8883")
	require.NoError(t, err)
	assert.Equal(t, "ssl://broker:8883", opts.Servers[0].String())
}

func TestQueueSubscriptions(t *testing.T) {
	b := &fakeBroker{}
	q := b.newQueue("p/")
	var got []string
	s1 := q.Sub("node/+/status", func(topic string, _ []byte) { got = append(got, "s1:"+topic) })
	s2 := q.Sub("node/+/status", func(topic string, _ []byte) { got = append(got, "s2:"+topic) })
	q.Pub("node/a/status", []byte{1})
	assert.ElementsMatch(t, []string{"s1:node/a/status", "s2:node/a/status"}, got)

	require.NoError(t, s1.Close())
	got = nil
	q.Pub("node/b/status", nil)
	assert.Equal(t, []string{"s2:node/b/status"}, got)

	require.NoError(t, s2.Close())
	got = nil
	q.Pub("node/c/status", nil)
	assert.Empty(t, got)
	assert.Equal(t, []string{"p/node/a/status", "p/node/b/status", "p/node/c/status"}, q.Client.(*fakeClient).published)
}

func TestReadWriterSkipsOwnPackets(t *testing.T) {
	b := &fakeBroker{}
	a := NewPacketReadWriter(b.newQueue(""), "a")
	c := NewPacketReadWriter(b.newQueue(""), "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go c.Run(ctx)
	require.Eventually(t, func() bool {
		b.lock.Lock()
		defer b.lock.Unlock()
		return len(b.clients[0].subs) == 1 && len(b.clients[1].subs) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, a.WritePacket([]byte{3, 4}))
	pkt, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, pkt)
	select {
	case pkt := <-a.packetCh:
		t.Fatalf("own packet read back: %v", pkt)
	default:
	}
}
