package serial

// SyncState indicates the state of the stream.
type SyncState int

const (
	// SyncStateSyncing means the stream is not synchronized.
	SyncStateSyncing SyncState = 0
	// SyncStateReady means packets can be exchanged.
	SyncStateReady SyncState = 0x01
	// SyncStateReceiving means a sync exchange or a packet is in progress.
	SyncStateReceiving SyncState = 0x02
)

// IsReady indicates if packets can be exchanged.
func (s SyncState) IsReady() bool {
	return s&SyncStateReady != 0
}

// IsReceiving indicates a sync exchange or a packet is in progress.
func (s SyncState) IsReceiving() bool {
	return s&SyncStateReceiving != 0
}

// ParseResult is the outcome of one parsing step. Sync is a sync command
// to send to the peer, or 0.
type ParseResult struct {
	Sync   byte
	State  SyncState
	Packet *Packet
}

// RestartTimer tells if the resync timer should be (re)armed.
func (r ParseResult) RestartTimer() bool {
	return r.State.IsReceiving() || r.Sync == syncREQ
}

// StopTimer tells if the resync timer should be cancelled.
func (r ParseResult) StopTimer() bool {
	return !r.RestartTimer() && r.State.IsReady()
}

type parseState int

const (
	stateSyncAck    parseState = iota // sync request sent
	stateSyncReqSeq                   // seq after syncREQ
	stateSyncAckSeq                   // seq after syncACK
	stateMsgSeq                       // packet seq
	stateMsgAckSeq                    // seq after syncACK while ready
	stateMsgLen
	stateMsgData
)

const (
	syncREQ byte = 0xff
	syncACK byte = 0xfe
)

// Parser parses the received byte stream.
type Parser struct {
	peerSeq Seq
	state   parseState
	packet  *Packet
	recvLen int
}

// State gets the current sync state.
func (p *Parser) State() SyncState {
	switch {
	case p.state == stateSyncAck:
		return SyncStateSyncing
	case p.state == stateMsgSeq:
		return SyncStateReady
	case p.state > stateMsgSeq:
		return SyncStateReady | SyncStateReceiving
	}
	return SyncStateSyncing | SyncStateReceiving
}

// Reset drops any partial packet and requests a resync.
func (p *Parser) Reset() (pr ParseResult) {
	p.packet = nil
	pr.Sync, pr.Packet = p.resync()
	pr.State = p.State()
	return
}

// Parse consumes one byte.
func (p *Parser) Parse(b byte) (pr ParseResult) {
	pr.Sync, pr.Packet = p.parseByte(b)
	pr.State = p.State()
	return
}

// Timeout notifies the resync timer expired.
func (p *Parser) Timeout() (pr ParseResult) {
	if p.state != stateMsgSeq {
		pr.Sync, pr.Packet = p.resync()
	}
	pr.State = p.State()
	return
}

func (p *Parser) parseByte(b byte) (byte, *Packet) {
	switch p.state {
	case stateSyncAck:
		switch b {
		case syncREQ:
			p.state = stateSyncReqSeq
		case syncACK:
			p.state = stateSyncAckSeq
		}
	case stateSyncReqSeq, stateSyncAckSeq:
		seq := Seq(b)
		if !seq.IsValid() {
			return p.resync()
		}
		req := p.state == stateSyncReqSeq
		p.peerSeq, p.state = seq, stateMsgSeq
		if req {
			return syncACK, nil
		}
	case stateMsgSeq:
		switch {
		case b == syncREQ:
			p.state = stateSyncReqSeq
		case b == syncACK:
			p.state = stateMsgAckSeq
		case b != byte(p.peerSeq):
			return p.resync()
		default:
			p.packet = &Packet{Seq: p.peerSeq}
			p.peerSeq = p.peerSeq.Next()
			p.state = stateMsgLen
		}
	case stateMsgAckSeq:
		if b != byte(p.peerSeq) {
			return p.resync()
		}
		p.state = stateMsgSeq
	case stateMsgLen:
		if b > MaxDataSize {
			return p.resync()
		}
		if b == 0 {
			return p.packetReady()
		}
		p.packet.Data, p.recvLen = make([]byte, b), 0
		p.state = stateMsgData
	case stateMsgData:
		p.packet.Data[p.recvLen] = b
		p.recvLen++
		if p.recvLen >= len(p.packet.Data) {
			return p.packetReady()
		}
	}
	return 0, nil
}

func (p *Parser) resync() (byte, *Packet) {
	p.state = stateSyncAck
	p.packet = nil
	return syncREQ, nil
}

func (p *Parser) packetReady() (byte, *Packet) {
	p.state = stateMsgSeq
	pkt := p.packet
	p.packet = nil
	return 0, pkt
}
