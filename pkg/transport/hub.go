package transport

import (
	"sync"

	"github.com/golang/glog"
)

// Hub relays every packet read from one member to all other members.
type Hub struct {
	lock    sync.Mutex
	members map[*member]struct{}
}

type member struct {
	rw   PacketReadWriter
	name string
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*member]struct{})}
}

// Members returns the number of attached members.
func (h *Hub) Members() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.members)
}

// Serve attaches rw until reading from it fails.
func (h *Hub) Serve(name string, rw PacketReadWriter) error {
	m := &member{rw: rw, name: name}
	h.lock.Lock()
	h.members[m] = struct{}{}
	h.lock.Unlock()
	glog.Infof("hub: %s joined", name)
	defer func() {
		h.lock.Lock()
		delete(h.members, m)
		h.lock.Unlock()
		glog.Infof("hub: %s left", name)
	}()
	for {
		pkt, err := rw.ReadPacket()
		if err != nil {
			return err
		}
		h.relay(m, pkt)
	}
}

func (h *Hub) relay(from *member, pkt []byte) {
	h.lock.Lock()
	targets := make([]*member, 0, len(h.members))
	for m := range h.members {
		if m != from {
			targets = append(targets, m)
		}
	}
	h.lock.Unlock()
	for _, m := range targets {
		if err := m.rw.WritePacket(pkt); err != nil {
			glog.Warningf("hub: relay to %s: %v", m.name, err)
		}
	}
}
