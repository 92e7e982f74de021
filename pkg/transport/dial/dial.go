// Package dial opens a packet transport from a URL.
//
//	ws://host:port/path, wss://...   websocket, e.g. a hub
//	mqtt://host:port/prefix/, ...     shared MQTT topic
//	tcp://host:port                   length prefixed stream
//	serial:///dev/ttyUSB0             framed serial line
package dial

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"

	"github.com/robotalks/linkstack/pkg/framework"
	"github.com/robotalks/linkstack/pkg/transport"
	"github.com/robotalks/linkstack/pkg/transport/mqtt"
	"github.com/robotalks/linkstack/pkg/transport/serial"
	"github.com/robotalks/linkstack/pkg/transport/stream"
	"github.com/robotalks/linkstack/pkg/transport/websocket"
)

// DefaultOrigin is the websocket origin.
const DefaultOrigin = "http://localhost/"

// Conn is an opened transport.
type Conn struct {
	transport.PacketReadWriter
	// Runner drives the transport. It's nil if nothing needs to run.
	Runner framework.Runnable

	closer io.Closer
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Run implements framework.Runnable. It returns when ctx is done if the
// transport has no Runner.
func (c *Conn) Run(ctx context.Context) error {
	if c.Runner == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.Runner.Run(ctx)
}

// Open opens the transport at rawURL. id names the participant where the
// transport needs one.
func Open(rawURL, id string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		rw, err := websocket.Dial(rawURL, DefaultOrigin)
		if err != nil {
			return nil, err
		}
		return &Conn{PacketReadWriter: rw, closer: rw}, nil
	case "mqtt", "mqtts":
		q, err := mqtt.NewQueueFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		if err := q.Connect(); err != nil {
			return nil, fmt.Errorf("mqtt connect: %w", err)
		}
		rw := mqtt.NewPacketReadWriter(q, id)
		return &Conn{PacketReadWriter: rw, Runner: rw, closer: q}, nil
	case "tcp":
		conn, err := net.Dial("tcp", u.Host)
		if err != nil {
			return nil, err
		}
		return &Conn{PacketReadWriter: stream.New(conn), closer: conn}, nil
	case "serial":
		f, err := os.OpenFile(u.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		conn := serial.NewConn(f, 1)
		return &Conn{PacketReadWriter: conn, Runner: framework.RunFunc(conn.Run), closer: f}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", u.Scheme)
}
