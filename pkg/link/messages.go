package link

import (
	"encoding/binary"

	"github.com/robotalks/linkstack/pkg/keyx"
	"github.com/robotalks/linkstack/pkg/packet"
)

// ProtocolVersion is carried by KeyExchangeRequest.
const ProtocolVersion = 1

// Link-control headers.
const (
	HeaderKeyExchangeRequest  packet.Header = 0x01
	HeaderKeyExchangeResponse packet.Header = 0x02
	HeaderChallengeRequest    packet.Header = 0x03
	HeaderChallengeResponse   packet.Header = 0x04
	HeaderClockSyncRequest    packet.Header = 0x05
	HeaderClockSyncResponse   packet.Header = 0x06
	HeaderLinkStart           packet.Header = 0x07
	HeaderReport              packet.Header = 0x08
)

// NonceSize is the size of challenge nonces.
const NonceSize = 16

// Payload sizes.
const (
	keyExchangeRequestSize  = 1 + 4 + 4 + keyx.KeySize
	keyExchangeResponseSize = 4 + 4 + keyx.KeySize
	challengeRequestSize    = 1 + NonceSize + keyx.TagSize
	challengeResponseSize   = 1 + keyx.TagSize
	clockSyncRequestSize    = 1 + 8
	clockSyncResponseSize   = 1 + 8*3
	linkStartSize           = 4
	reportSize              = 1 + 2
)

// Definitions returns the link-control packet definitions.
func Definitions() []packet.Definition {
	return []packet.Definition{
		{Name: "kx-req", Header: HeaderKeyExchangeRequest, PayloadSize: keyExchangeRequestSize, HasAck: true, Pairing: true},
		{Name: "kx-resp", Header: HeaderKeyExchangeResponse, PayloadSize: keyExchangeResponseSize, HasAck: true, Pairing: true},
		{Name: "challenge-req", Header: HeaderChallengeRequest, PayloadSize: challengeRequestSize, HasAck: true},
		{Name: "challenge-resp", Header: HeaderChallengeResponse, PayloadSize: challengeResponseSize, HasAck: true},
		{Name: "clocksync-req", Header: HeaderClockSyncRequest, PayloadSize: clockSyncRequestSize},
		{Name: "clocksync-resp", Header: HeaderClockSyncResponse, PayloadSize: clockSyncResponseSize},
		{Name: "link-start", Header: HeaderLinkStart, PayloadSize: linkStartSize, HasAck: true},
		{Name: "report", Header: HeaderReport, PayloadSize: reportSize},
	}
}

type keyExchangeRequest struct {
	Version  byte
	Nonce    uint32
	RemoteID uint32
	Public   keyx.PublicKey
}

func (m *keyExchangeRequest) encode() []byte {
	b := make([]byte, 0, keyExchangeRequestSize)
	b = append(b, m.Version)
	b = binary.BigEndian.AppendUint32(b, m.Nonce)
	b = binary.BigEndian.AppendUint32(b, m.RemoteID)
	return append(b, m.Public[:]...)
}

func (m *keyExchangeRequest) decode(b []byte) bool {
	if len(b) != keyExchangeRequestSize {
		return false
	}
	m.Version = b[0]
	m.Nonce = binary.BigEndian.Uint32(b[1:])
	m.RemoteID = binary.BigEndian.Uint32(b[5:])
	copy(m.Public[:], b[9:])
	return true
}

type keyExchangeResponse struct {
	HostID    uint32
	SessionID uint32
	Public    keyx.PublicKey
}

func (m *keyExchangeResponse) encode() []byte {
	b := make([]byte, 0, keyExchangeResponseSize)
	b = binary.BigEndian.AppendUint32(b, m.HostID)
	b = binary.BigEndian.AppendUint32(b, m.SessionID)
	return append(b, m.Public[:]...)
}

func (m *keyExchangeResponse) decode(b []byte) bool {
	if len(b) != keyExchangeResponseSize {
		return false
	}
	m.HostID = binary.BigEndian.Uint32(b)
	m.SessionID = binary.BigEndian.Uint32(b[4:])
	copy(m.Public[:], b[8:])
	return true
}

type challengeRequest struct {
	TxID  byte
	Nonce [NonceSize]byte
	Tag   [keyx.TagSize]byte
}

func (m *challengeRequest) encode() []byte {
	b := make([]byte, 0, challengeRequestSize)
	b = append(b, m.TxID)
	b = append(b, m.Nonce[:]...)
	return append(b, m.Tag[:]...)
}

func (m *challengeRequest) decode(b []byte) bool {
	if len(b) != challengeRequestSize {
		return false
	}
	m.TxID = b[0]
	copy(m.Nonce[:], b[1:])
	copy(m.Tag[:], b[1+NonceSize:])
	return true
}

type challengeResponse struct {
	TxID     byte
	Response [keyx.TagSize]byte
}

func (m *challengeResponse) encode() []byte {
	return append([]byte{m.TxID}, m.Response[:]...)
}

func (m *challengeResponse) decode(b []byte) bool {
	if len(b) != challengeResponseSize {
		return false
	}
	m.TxID = b[0]
	copy(m.Response[:], b[1:])
	return true
}

// clockSyncRequest carries t1, the Remote time at which the request is
// fully received.
type clockSyncRequest struct {
	TxID byte
	T1   uint64
}

func (m *clockSyncRequest) encode() []byte {
	b := make([]byte, 0, clockSyncRequestSize)
	b = append(b, m.TxID)
	return binary.BigEndian.AppendUint64(b, m.T1)
}

func (m *clockSyncRequest) decode(b []byte) bool {
	if len(b) != clockSyncRequestSize {
		return false
	}
	m.TxID = b[0]
	m.T1 = binary.BigEndian.Uint64(b[1:])
	return true
}

// stampClockSyncRequest patches t1 into an encoded request.
func stampClockSyncRequest(b []byte, t1 uint64) {
	binary.BigEndian.PutUint64(b[1:], t1)
}

// clockSyncResponse echoes t1 and adds t2, the Host receive time, and t3,
// the Host time at which the response is fully received.
type clockSyncResponse struct {
	TxID byte
	T1   uint64
	T2   uint64
	T3   uint64
}

func (m *clockSyncResponse) encode() []byte {
	b := make([]byte, 0, clockSyncResponseSize)
	b = append(b, m.TxID)
	b = binary.BigEndian.AppendUint64(b, m.T1)
	b = binary.BigEndian.AppendUint64(b, m.T2)
	return binary.BigEndian.AppendUint64(b, m.T3)
}

func (m *clockSyncResponse) decode(b []byte) bool {
	if len(b) != clockSyncResponseSize {
		return false
	}
	m.TxID = b[0]
	m.T1 = binary.BigEndian.Uint64(b[1:])
	m.T2 = binary.BigEndian.Uint64(b[9:])
	m.T3 = binary.BigEndian.Uint64(b[17:])
	return true
}

func stampClockSyncResponse(b []byte, t3 uint64) {
	binary.BigEndian.PutUint64(b[17:], t3)
}

type linkStart struct {
	StartAtMillis uint32
}

func (m *linkStart) encode() []byte {
	return binary.BigEndian.AppendUint32(nil, m.StartAtMillis)
}

func (m *linkStart) decode(b []byte) bool {
	if len(b) != linkStartSize {
		return false
	}
	m.StartAtMillis = binary.BigEndian.Uint32(b)
	return true
}

type report struct {
	RSSI          int8
	SinceRxMillis uint16
}

func (m *report) encode() []byte {
	return binary.BigEndian.AppendUint16([]byte{byte(m.RSSI)}, m.SinceRxMillis)
}

func (m *report) decode(b []byte) bool {
	if len(b) != reportSize {
		return false
	}
	m.RSSI = int8(b[0])
	m.SinceRxMillis = binary.BigEndian.Uint16(b[1:])
	return true
}

// clockOffset estimates how far the Host clock is ahead of the Remote
// clock from one round trip.
func clockOffset(t1, t2, t3, t4 uint64) int64 {
	return (int64(t2-t1) + int64(t3-t4)) / 2
}

// roundTrip is the time spent in flight, excluding the Host turnaround.
func roundTrip(t1, t2, t3, t4 uint64) int64 {
	return int64(t4-t1) - int64(t3-t2)
}
