package mqtt

import (
	"context"
	"errors"
	"io"
)

// ErrOversizedID indicates a sender id longer than 255 bytes.
var ErrOversizedID = errors.New("sender id too long")

// DefaultTopic is the topic shared by all radios of one medium.
const DefaultTopic = "air"

// ReadWriter implements transport.PacketReadWriter on a topic shared by
// all participants. Every packet carries the sender id so a participant
// never reads back its own packets.
//
//	[idLen:1][id:idLen][packet]
type ReadWriter struct {
	Queue *Queue
	Topic string
	ID    string

	packetCh chan []byte
}

// NewPacketReadWriter creates the ReadWriter.
func NewPacketReadWriter(q *Queue, id string) *ReadWriter {
	return &ReadWriter{Queue: q, Topic: DefaultTopic, ID: id, packetCh: make(chan []byte, 16)}
}

// WithTopic overrides the shared topic.
func (p *ReadWriter) WithTopic(topic string) *ReadWriter {
	p.Topic = topic
	return p
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	pkt, ok := <-p.packetCh
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	if len(p.ID) > 0xff {
		return ErrOversizedID
	}
	msg := make([]byte, 0, 1+len(p.ID)+len(pkt))
	msg = append(msg, byte(len(p.ID)))
	msg = append(msg, p.ID...)
	msg = append(msg, pkt...)
	token := p.Queue.Pub(p.Topic, msg)
	token.Wait()
	return token.Error()
}

// Run implements framework.Runnable.
func (p *ReadWriter) Run(ctx context.Context) error {
	sub := p.Queue.Sub(p.Topic, p.handleMsg)
	defer close(p.packetCh)
	defer sub.Close()
	<-ctx.Done()
	return ctx.Err()
}

func (p *ReadWriter) handleMsg(_ string, payload []byte) {
	if len(payload) < 1 || len(payload) < 1+int(payload[0]) {
		return
	}
	idLen := int(payload[0])
	if string(payload[1:1+idLen]) == p.ID {
		return
	}
	pkt := append([]byte(nil), payload[1+idLen:]...)
	select {
	case p.packetCh <- pkt:
	default:
		// a radio drops frames it can't take.
	}
}
