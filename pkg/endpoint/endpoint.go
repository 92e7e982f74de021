// Package endpoint assembles the link stack of one device.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/robotalks/linkstack/pkg/auth"
	"github.com/robotalks/linkstack/pkg/clock"
	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/hop"
	"github.com/robotalks/linkstack/pkg/hw"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/radio"
	"github.com/robotalks/linkstack/pkg/sched"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/token"
)

var (
	// ErrRadioStart indicates the transceiver could not be started.
	ErrRadioStart = errors.New("radio start failed")
)

// Config describes one device.
type Config struct {
	PairingToken uint32
	Encrypt      bool
	FixedChannel uint8
	// TokenWindowMillis is the MAC rotation period.
	TokenWindowMillis uint32
	// HopPeriodMillis is the channel hop period.
	HopPeriodMillis uint32
	MaxFrameSize    int

	Clock   clock.Config
	Service service.Config
	Link    link.Config
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		PairingToken:      0x4c4e4b31,
		Encrypt:           true,
		TokenWindowMillis: 1000,
		HopPeriodMillis:   20,
		MaxFrameSize:      packet.DefaultMaxFrameSize,
		Clock:             clock.DefaultConfig(),
		Service:           service.DefaultConfig(),
		Link:              link.DefaultConfig(),
	}
}

// Hardware is what the device runs on.
type Hardware struct {
	Scheduler *sched.Scheduler
	Timer     hw.Timer
	PPS       hw.PulseSource
	Radio     radio.Transceiver
	Recorder  diag.Recorder
	Rand      *rand.Rand
	Entropy   io.Reader
}

// Endpoint is one end of a link.
type Endpoint struct {
	Scheduler *sched.Scheduler
	Clock     *clock.SyncedClock
	MACTokens *token.Source
	HopTokens *token.Source
	Hopper    *hop.Hopper
	Auth      *auth.Authenticator
	Packets   *packet.Map
	Service   *service.Service
	Link      *link.Link
	Radio     radio.Transceiver
}

// New wires an Endpoint. user lists the application packet definitions.
func New(hwr Hardware, cfg Config, user ...packet.Definition) (*Endpoint, error) {
	if cfg.TokenWindowMillis == 0 || cfg.HopPeriodMillis == 0 {
		return nil, fmt.Errorf("token window %dms and hop period %dms must be positive", cfg.TokenWindowMillis, cfg.HopPeriodMillis)
	}
	if cfg.MaxFrameSize <= packet.Overhead {
		cfg.MaxFrameSize = packet.DefaultMaxFrameSize
	}
	packets := packet.NewMap(cfg.MaxFrameSize).
		Define(user...).
		DefineLinkControl(link.Definitions()...)
	if err := packets.Setup(); err != nil {
		return nil, fmt.Errorf("packet map: %w", err)
	}
	if hwr.Recorder == nil {
		hwr.Recorder = diag.Nop{}
	}
	if hwr.Rand == nil {
		hwr.Rand = rand.New(rand.NewSource(int64(cfg.Link.LocalID)))
	}

	e := &Endpoint{
		Scheduler: hwr.Scheduler,
		Packets:   packets,
		Radio:     hwr.Radio,
	}
	e.Clock = clock.New(hwr.Timer, hwr.PPS, cfg.Clock)
	e.MACTokens = token.NewSource(e.Clock, cfg.TokenWindowMillis)
	e.HopTokens = token.NewSource(e.Clock, cfg.HopPeriodMillis)
	e.Hopper = hop.New(e.Clock, e.HopTokens, hwr.Radio.Channels(), cfg.FixedChannel)
	e.Auth = auth.New(e.Clock, e.MACTokens, cfg.PairingToken, cfg.Encrypt)
	e.Service = service.New(service.Options{
		Scheduler: hwr.Scheduler,
		Radio:     hwr.Radio,
		Auth:      e.Auth,
		Packets:   packets,
		Channels:  e.Hopper,
		Clock:     e.Clock,
		Recorder:  hwr.Recorder,
		Rand:      hwr.Rand,
	}, cfg.Service)
	e.Hopper.NotifyInvalid(func() { hwr.Scheduler.Post(e.Service.Poll) })
	e.Link = link.New(link.Options{
		Scheduler: hwr.Scheduler,
		Service:   e.Service,
		Auth:      e.Auth,
		Clock:     e.Clock,
		Hopper:    e.Hopper,
		HopTokens: e.HopTokens,
		Recorder:  hwr.Recorder,
		Rand:      hwr.Rand,
		Entropy:   hwr.Entropy,
	}, cfg.Link)
	return e, nil
}

// Start brings up the radio and begins linking.
func (e *Endpoint) Start() error {
	if !e.Service.Start() {
		return ErrRadioStart
	}
	e.Link.Start()
	return nil
}

// Stop disables the link and the radio.
func (e *Endpoint) Stop() {
	e.Link.Stop()
	e.Service.Stop()
}

// Send requests the transmission of an application packet.
func (e *Endpoint) Send(h packet.Header, payload []byte, listener service.AckListener) bool {
	return e.Service.Send(h, payload, listener)
}

// RegisterPacketReceiver routes application packets of h to r.
func (e *Endpoint) RegisterPacketReceiver(r service.Receiver, h packet.Header) bool {
	return e.Service.RegisterPacketReceiver(r, h)
}

// RegisterLinkListener subscribes to link up and down transitions.
func (e *Endpoint) RegisterLinkListener(l link.Listener) {
	e.Link.RegisterLinkListener(l)
}

// Status is a point-in-time view of an Endpoint.
type Status struct {
	Link        link.Stats
	Service     service.Stats
	Clock       clock.Stats
	AuthMode    auth.Mode
	Channel     uint8
	Hopping     bool
	SyncMicros  uint64
	LastRSSI    int8
	MaxFrame    int
	Definitions []packet.Definition
}

// Status collects the current Status. It must be called from the
// scheduler context.
func (e *Endpoint) Status() Status {
	return Status{
		Link:        e.Link.Stats(),
		Service:     e.Service.Stats(),
		Clock:       e.Clock.Stats(),
		AuthMode:    e.Auth.Mode(),
		Channel:     e.Service.RxChannel(),
		Hopping:     e.Hopper.Hopping(),
		SyncMicros:  e.Clock.GetSyncMicros64(),
		LastRSSI:    e.Service.LastRSSI(),
		MaxFrame:    e.Packets.MaxFrameSize,
		Definitions: e.Packets.Definitions(),
	}
}
