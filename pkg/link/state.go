package link

import (
	"fmt"
	"time"

	"github.com/robotalks/linkstack/pkg/backoff"
)

// Role selects the side of the handshake.
type Role int

// Roles.
const (
	// RoleHost accepts key exchange requests and owns the reference clock.
	RoleHost Role = iota
	// RoleRemote initiates the handshake and follows the Host clock.
	RoleRemote
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleRemote:
		return "remote"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole parses the String form of a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "host":
		return RoleHost, nil
	case "remote":
		return RoleRemote, nil
	}
	return RoleHost, fmt.Errorf("unknown role %q", s)
}

// State is the link state. KeyExchange, Challenge, ClockSync and
// Switchover are the stages of linking.
type State int

// States.
const (
	StateDisabled State = iota
	StateBooting
	StateAwaitingLink
	StateKeyExchange
	StateChallenge
	StateClockSync
	StateSwitchover
	StateLinked
)

var stateNames = [...]string{
	StateDisabled:     "Disabled",
	StateBooting:      "Booting",
	StateAwaitingLink: "AwaitingLink",
	StateKeyExchange:  "Linking/KeyExchange",
	StateChallenge:    "Linking/Challenge",
	StateClockSync:    "Linking/ClockSync",
	StateSwitchover:   "Linking/Switchover",
	StateLinked:       "Linked",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Linking returns true for the handshake stages.
func (s State) Linking() bool {
	return s >= StateKeyExchange && s <= StateSwitchover
}

// Listener is notified when the link comes up or goes down.
type Listener interface {
	OnLinkStateUpdated(hasLink bool)
}

// ListenerFunc is the func form of Listener.
type ListenerFunc func(hasLink bool)

// OnLinkStateUpdated implements Listener.
func (f ListenerFunc) OnLinkStateUpdated(hasLink bool) {
	f(hasLink)
}

// Config tunes the handshake and link monitoring.
type Config struct {
	Role    Role
	LocalID uint32
	// PeerID restricts pairing to one peer; 0 accepts any.
	PeerID uint32

	// StageTimeout bounds the wait for the reply to a handshake message.
	StageTimeout    time.Duration
	MaxStageRetries int
	// HandshakeTimeout aborts linking when no handshake progress is made.
	HandshakeTimeout time.Duration
	Backoff          backoff.Config

	// SyncThresholdMicros is the clock error accepted for a good sample.
	SyncThresholdMicros uint32
	// SyncGoodSamples is the number of consecutive good samples required.
	SyncGoodSamples    int
	SyncMaxSamples     int
	SyncSampleInterval time.Duration
	// CoarseStepMicros is the largest error corrected while linked;
	// beyond it the link is dropped.
	CoarseStepMicros uint32

	// SwitchoverLead is how far ahead the switch to the linked schedule
	// is announced.
	SwitchoverLead time.Duration
	// SwitchoverGraceMillis keeps session keyed frames acceptable after
	// the switch.
	SwitchoverGraceMillis uint32

	ReportInterval time.Duration
	ResyncInterval time.Duration
	// LinkLoss is the silence after which the link is declared lost.
	LinkLoss time.Duration
	BootPoll time.Duration
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		StageTimeout:          60 * time.Millisecond,
		MaxStageRetries:       5,
		HandshakeTimeout:      3 * time.Second,
		Backoff:               backoff.DefaultConfig(),
		SyncThresholdMicros:   100,
		SyncGoodSamples:       3,
		SyncMaxSamples:        30,
		SyncSampleInterval:    10 * time.Millisecond,
		CoarseStepMicros:      1000,
		SwitchoverLead:        200 * time.Millisecond,
		SwitchoverGraceMillis: 500,
		ReportInterval:        250 * time.Millisecond,
		ResyncInterval:        3 * time.Second,
		LinkLoss:              1500 * time.Millisecond,
		BootPoll:              10 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.StageTimeout <= 0 {
		c.StageTimeout = def.StageTimeout
	}
	if c.MaxStageRetries <= 0 {
		c.MaxStageRetries = def.MaxStageRetries
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SyncThresholdMicros == 0 {
		c.SyncThresholdMicros = def.SyncThresholdMicros
	}
	if c.SyncGoodSamples <= 0 {
		c.SyncGoodSamples = def.SyncGoodSamples
	}
	if c.SyncMaxSamples < c.SyncGoodSamples {
		c.SyncMaxSamples = c.SyncGoodSamples * 10
	}
	if c.SyncSampleInterval <= 0 {
		c.SyncSampleInterval = def.SyncSampleInterval
	}
	if c.CoarseStepMicros < c.SyncThresholdMicros {
		c.CoarseStepMicros = c.SyncThresholdMicros * 10
	}
	if c.SwitchoverLead <= 0 {
		c.SwitchoverLead = def.SwitchoverLead
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = def.ReportInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = def.ResyncInterval
	}
	if c.LinkLoss <= 0 {
		c.LinkLoss = def.LinkLoss
	}
	if c.BootPoll <= 0 {
		c.BootPoll = def.BootPoll
	}
}

// Stats summarizes the link.
type Stats struct {
	Role              Role
	State             State
	SessionID         uint32
	Links             uint64
	Losses            uint64
	HandshakeFailures uint64
	LastOffsetMicros  int64
	LastRoundTrip     int64
	PeerRSSI          int8
	PeerSinceRxMillis uint16
}
