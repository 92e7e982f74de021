// Package config gathers the settings of an endpoint process from
// defaults, an optional TOML file, LINKSTACK_* environment variables and
// command line flags, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/packet"
)

// EnvPrefix prefixes the environment variables read by ApplyEnv.
const EnvPrefix = "LINKSTACK_"

// Link tunes the handshake and monitoring.
type Link struct {
	StageTimeout        time.Duration `toml:"stage_timeout"`
	MaxStageRetries     int           `toml:"max_stage_retries"`
	HandshakeTimeout    time.Duration `toml:"handshake_timeout"`
	BackoffMin          time.Duration `toml:"backoff_min"`
	BackoffMax          time.Duration `toml:"backoff_max"`
	SyncThresholdMicros uint32        `toml:"sync_threshold_us"`
	SyncGoodSamples     int           `toml:"sync_good_samples"`
	CoarseStepMicros    uint32        `toml:"coarse_step_us"`
	SwitchoverLead      time.Duration `toml:"switchover_lead"`
	ReportInterval      time.Duration `toml:"report_interval"`
	ResyncInterval      time.Duration `toml:"resync_interval"`
	LinkLoss            time.Duration `toml:"link_loss"`
}

// Service tunes the packet service.
type Service struct {
	SlotTimeout    time.Duration `toml:"slot_timeout"`
	AckTimeout     time.Duration `toml:"ack_timeout"`
	HopGuardMicros uint32        `toml:"hop_guard_us"`
}

// Transport selects what carries the frames.
type Transport struct {
	// URL is one of ws://, wss://, mqtt://, tcp:// or serial:///dev/path.
	URL string `toml:"url"`
	// Hub serves a websocket relay on this address, e.g. ":8801".
	Hub string `toml:"hub"`
}

// Packet defines an application packet.
type Packet struct {
	Name   string `toml:"name"`
	Header uint8  `toml:"header"`
	Size   int    `toml:"size"`
	Ack    bool   `toml:"ack"`
}

// Config is the configuration of an endpoint process.
type Config struct {
	Role         string `toml:"role"`
	LocalID      uint32 `toml:"local_id"`
	PeerID       uint32 `toml:"peer_id"`
	PairingToken uint32 `toml:"pairing_token"`
	Encrypt      bool   `toml:"encrypt"`
	FixedChannel uint8  `toml:"fixed_channel"`

	TokenWindowMillis uint32 `toml:"token_window_ms"`
	HopPeriodMillis   uint32 `toml:"hop_period_ms"`

	Link      Link      `toml:"link"`
	Service   Service   `toml:"service"`
	Transport Transport `toml:"transport"`
	Packets   []Packet  `toml:"packets"`

	MetricsAddr       string        `toml:"metrics_addr"`
	TelemetryURL      string        `toml:"telemetry_url"`
	TelemetryInterval time.Duration `toml:"telemetry_interval"`
	Console           bool          `toml:"console"`
}

// Default returns the defaults.
func Default() Config {
	ep := endpoint.DefaultConfig()
	return Config{
		Role:              link.RoleHost.String(),
		PairingToken:      ep.PairingToken,
		Encrypt:           ep.Encrypt,
		FixedChannel:      ep.FixedChannel,
		TokenWindowMillis: ep.TokenWindowMillis,
		HopPeriodMillis:   ep.HopPeriodMillis,
		Link: Link{
			StageTimeout:        ep.Link.StageTimeout,
			MaxStageRetries:     ep.Link.MaxStageRetries,
			HandshakeTimeout:    ep.Link.HandshakeTimeout,
			BackoffMin:          ep.Link.Backoff.Min,
			BackoffMax:          ep.Link.Backoff.Max,
			SyncThresholdMicros: ep.Link.SyncThresholdMicros,
			SyncGoodSamples:     ep.Link.SyncGoodSamples,
			CoarseStepMicros:    ep.Link.CoarseStepMicros,
			SwitchoverLead:      ep.Link.SwitchoverLead,
			ReportInterval:      ep.Link.ReportInterval,
			ResyncInterval:      ep.Link.ResyncInterval,
			LinkLoss:            ep.Link.LinkLoss,
		},
		Service: Service{
			SlotTimeout:    ep.Service.SlotTimeout,
			AckTimeout:     ep.Service.AckTimeout,
			HopGuardMicros: ep.Service.HopGuardMicros,
		},
		Transport:         Transport{URL: "ws://localhost:8801/air"},
		Packets:           []Packet{{Name: "data", Header: byte(packet.UserFirst), Size: 16, Ack: true}},
		TelemetryInterval: time.Second,
	}
}

// LoadFile merges the TOML file at path into c.
func (c *Config) LoadFile(path string) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := tree.Unmarshal(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from LINKSTACK_* variables found by lookup.
// A nil lookup reads the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	if v, ok := get("ROLE"); ok {
		c.Role = v
	}
	for name, dst := range map[string]*uint32{
		"LOCAL_ID":      &c.LocalID,
		"PEER_ID":       &c.PeerID,
		"PAIRING_TOKEN": &c.PairingToken,
	} {
		if v, ok := get(name); ok {
			n, err := parseUint32(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*string{
		"TRANSPORT_URL": &c.Transport.URL,
		"HUB":           &c.Transport.Hub,
		"METRICS_ADDR":  &c.MetricsAddr,
		"TELEMETRY_URL": &c.TelemetryURL,
	} {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	return nil
}

// Resolve builds the configuration from defaults, the TOML file at path
// (optional), the environment and the flags explicitly set on fs, which
// must be parsed and carry the flags of BindFlags.
func Resolve(fs *flag.FlagSet, path string, lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return c, err
		}
	}
	if err := c.ApplyEnv(lookup); err != nil {
		return c, err
	}
	bound := flag.NewFlagSet("config", flag.ContinueOnError)
	c.BindFlags(bound)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err == nil && bound.Lookup(f.Name) != nil {
			if setErr := bound.Set(f.Name, f.Value.String()); setErr != nil {
				err = fmt.Errorf("flag -%s: %w", f.Name, setErr)
			}
		}
	})
	return c, err
}

// BindFlags registers flags writing into c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Role, "role", c.Role, "Link role: host or remote")
	fs.Var((*hexUint32)(&c.LocalID), "id", "Local device id (hex), 0 derives it from the machine id")
	fs.Var((*hexUint32)(&c.PeerID), "peer", "Peer device id (hex), 0 accepts any")
	fs.Var((*hexUint32)(&c.PairingToken), "pairing-token", "Shared pairing token (hex)")
	fs.BoolVar(&c.Encrypt, "encrypt", c.Encrypt, "Encrypt linked payloads")
	fs.StringVar(&c.Transport.URL, "transport", c.Transport.URL, "Frame transport URL")
	fs.StringVar(&c.Transport.Hub, "hub", c.Transport.Hub, "Serve a websocket frame hub on this address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&c.TelemetryURL, "telemetry", c.TelemetryURL, "MQTT broker URL for status snapshots")
	fs.DurationVar(&c.TelemetryInterval, "telemetry-interval", c.TelemetryInterval, "Status snapshot interval")
	fs.BoolVar(&c.Console, "console", c.Console, "Run the interactive console")
	fs.DurationVar(&c.Link.LinkLoss, "link-loss", c.Link.LinkLoss, "Silence after which the link is lost")
}

// Endpoint converts c into an endpoint.Config.
func (c *Config) Endpoint() (endpoint.Config, error) {
	role, err := link.ParseRole(c.Role)
	if err != nil {
		return endpoint.Config{}, err
	}
	if c.LocalID == 0 {
		return endpoint.Config{}, fmt.Errorf("local id must not be 0")
	}
	for _, p := range c.Packets {
		if !packet.Header(p.Header).IsUser() {
			return endpoint.Config{}, fmt.Errorf("packet %q: header 0x%02x is reserved", p.Name, p.Header)
		}
	}
	ep := endpoint.DefaultConfig()
	ep.PairingToken = c.PairingToken
	ep.Encrypt = c.Encrypt
	ep.FixedChannel = c.FixedChannel
	ep.TokenWindowMillis = c.TokenWindowMillis
	ep.HopPeriodMillis = c.HopPeriodMillis

	ep.Link.Role, ep.Link.LocalID, ep.Link.PeerID = role, c.LocalID, c.PeerID
	l := c.Link
	ep.Link.StageTimeout = l.StageTimeout
	ep.Link.MaxStageRetries = l.MaxStageRetries
	ep.Link.HandshakeTimeout = l.HandshakeTimeout
	ep.Link.Backoff.Min, ep.Link.Backoff.Max = l.BackoffMin, l.BackoffMax
	ep.Link.SyncThresholdMicros = l.SyncThresholdMicros
	ep.Link.SyncGoodSamples = l.SyncGoodSamples
	ep.Link.CoarseStepMicros = l.CoarseStepMicros
	ep.Link.SwitchoverLead = l.SwitchoverLead
	ep.Link.ReportInterval = l.ReportInterval
	ep.Link.ResyncInterval = l.ResyncInterval
	ep.Link.LinkLoss = l.LinkLoss

	ep.Service.SlotTimeout = c.Service.SlotTimeout
	ep.Service.AckTimeout = c.Service.AckTimeout
	ep.Service.HopGuardMicros = c.Service.HopGuardMicros
	return ep, nil
}

// Definitions returns the application packet definitions.
func (c *Config) Definitions() []packet.Definition {
	defs := make([]packet.Definition, 0, len(c.Packets))
	for _, p := range c.Packets {
		defs = append(defs, packet.Definition{
			Name:        p.Name,
			Header:      packet.Header(p.Header),
			PayloadSize: p.Size,
			HasAck:      p.Ack,
		})
	}
	return defs
}

type hexUint32 uint32

func (v *hexUint32) String() string {
	if v == nil {
		return "0"
	}
	return fmt.Sprintf("%08x", uint32(*v))
}

func (v *hexUint32) Set(s string) error {
	n, err := parseUint32(s)
	if err != nil {
		return err
	}
	*v = hexUint32(n)
	return nil
}

// parseUint32 parses hex, with or without 0x.
func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	return uint32(n), err
}
