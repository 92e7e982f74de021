// Package sim runs endpoints in deterministic virtual time over a lossy
// simulated medium. Every node has its own drifting timer, PPS reference
// and scheduler.
package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/hw/simhw"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/radio"
	"github.com/robotalks/linkstack/pkg/sched"
)

// Config tunes a World.
type Config struct {
	Seed int64
	// Step is the virtual time resolution.
	Step        time.Duration
	LossRate    float64
	CorruptRate float64
	RSSI        int8
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Seed: 1,
		Step: 20 * time.Microsecond,
		RSSI: -55,
	}
}

// World is the simulation.
type World struct {
	Medium *Medium

	cfg   Config
	now   time.Duration
	rand  *rand.Rand
	nodes []*Node
}

// NewWorld creates a World.
func NewWorld(cfg Config) *World {
	if cfg.Step <= 0 {
		cfg.Step = DefaultConfig().Step
	}
	w := &World{cfg: cfg, rand: rand.New(rand.NewSource(cfg.Seed))}
	w.Medium = &Medium{
		LossRate:    cfg.LossRate,
		CorruptRate: cfg.CorruptRate,
		RSSI:        cfg.RSSI,
		world:       w,
	}
	return w
}

// Now implements sched.TimeSource with the virtual time.
func (w *World) Now() time.Duration {
	return w.now
}

// Nodes returns all nodes.
func (w *World) Nodes() []*Node {
	return w.nodes
}

// NodeOptions describes the simulated hardware of a node.
type NodeOptions struct {
	TimerHz  uint32
	TimerPPM float64
	PPSPPM   float64
	PPSPhase time.Duration
	Channels radio.ChannelRange
	Airtime  radio.Airtime
	Recorder diag.Recorder
}

// DefaultNodeOptions returns the default NodeOptions.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		TimerHz:  1000000,
		Channels: radio.ChannelRange{Min: 2, Count: 40},
		Airtime:  radio.DefaultAirtime,
	}
}

// Node is a simulated device.
type Node struct {
	*endpoint.Endpoint

	Timer     *simhw.Timer
	PPS       *simhw.PulseGenerator
	Radio     *Radio
	Counters  *diag.Counters
	Scheduler *sched.Scheduler

	name string
}

// Name implements framework.Named.
func (n *Node) Name() string {
	return n.name
}

// AddNode creates a node running an endpoint with cfg.
func (w *World) AddNode(name string, cfg endpoint.Config, opts NodeOptions, user ...packet.Definition) (*Node, error) {
	if opts.TimerHz == 0 {
		opts.TimerHz = DefaultNodeOptions().TimerHz
	}
	if opts.Channels.Count == 0 {
		opts.Channels = DefaultNodeOptions().Channels
	}
	if opts.Airtime.BitsPerSecond == 0 {
		opts.Airtime = DefaultNodeOptions().Airtime
	}
	n := &Node{
		name:      name,
		Timer:     simhw.NewTimer(opts.TimerHz, opts.TimerPPM, w.rand.Uint32()),
		Counters:  diag.NewCounters(),
		Scheduler: sched.New(w),
	}
	n.PPS = simhw.NewPulseGenerator(n.Timer, opts.PPSPPM, opts.PPSPhase)
	n.Radio = &Radio{
		name:     name,
		medium:   w.Medium,
		channels: opts.Channels,
		airtime:  opts.Airtime,
	}
	var rec diag.Recorder = n.Counters
	if opts.Recorder != nil {
		rec = diag.Multi{n.Counters, opts.Recorder}
	}
	seed := w.rand.Int63()
	ep, err := endpoint.New(endpoint.Hardware{
		Scheduler: n.Scheduler,
		Timer:     n.Timer,
		PPS:       n.PPS,
		Radio:     n.Radio,
		Recorder:  rec,
		Rand:      rand.New(rand.NewSource(seed)),
		Entropy:   rand.New(rand.NewSource(seed + 1)),
	}, cfg, user...)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", name, err)
	}
	n.Endpoint = ep
	w.Medium.radios = append(w.Medium.radios, n.Radio)
	w.nodes = append(w.nodes, n)
	return n, nil
}

// Start starts every node.
func (w *World) Start() error {
	for _, n := range w.nodes {
		if err := n.Start(); err != nil {
			return fmt.Errorf("node %s: %w", n.name, err)
		}
	}
	return nil
}

// Step advances the virtual time by one step.
func (w *World) Step() {
	w.now += w.cfg.Step
	for _, n := range w.nodes {
		n.Timer.Advance(w.now)
		n.PPS.Advance(w.now)
	}
	w.Medium.advance(w.now)
	for _, n := range w.nodes {
		n.Scheduler.RunPending()
	}
}

// Run advances the virtual time by d.
func (w *World) Run(d time.Duration) {
	for end := w.now + d; w.now < end; {
		w.Step()
	}
}

// RunUntil advances until cond holds or limit elapsed. Returns the result
// of cond.
func (w *World) RunUntil(limit time.Duration, cond func() bool) bool {
	for end := w.now + limit; w.now < end; {
		if cond() {
			return true
		}
		w.Step()
	}
	return cond()
}

// Linked checks if all nodes have a link.
func (w *World) Linked() bool {
	for _, n := range w.nodes {
		if !n.Link.HasLink() {
			return false
		}
	}
	return len(w.nodes) > 0
}

// Pair IDs used by NewPair.
const (
	HostID   uint32 = 0x00001001
	RemoteID uint32 = 0x00002002
)

// PairOptions returns the node options used by NewPair. The two nodes
// drift in opposite directions and their PPS references are out of phase.
func PairOptions() (host, remote NodeOptions) {
	host, remote = DefaultNodeOptions(), DefaultNodeOptions()
	host.TimerPPM, host.PPSPPM, host.PPSPhase = 20, 5, 130*time.Millisecond
	remote.TimerPPM, remote.PPSPPM, remote.PPSPhase = -35, -5, 710*time.Millisecond
	return
}

// NewPair creates a World with a Host and a Remote node sharing base.
func NewPair(cfg Config, base endpoint.Config, user ...packet.Definition) (w *World, host, remote *Node, err error) {
	hostOpts, remoteOpts := PairOptions()
	return NewPairWith(cfg, base, hostOpts, remoteOpts, user...)
}

// NewPairWith is NewPair with explicit node options.
func NewPairWith(cfg Config, base endpoint.Config, hostOpts, remoteOpts NodeOptions, user ...packet.Definition) (w *World, host, remote *Node, err error) {
	w = NewWorld(cfg)
	hostCfg, remoteCfg := base, base
	hostCfg.Link.Role, hostCfg.Link.LocalID, hostCfg.Link.PeerID = link.RoleHost, HostID, RemoteID
	remoteCfg.Link.Role, remoteCfg.Link.LocalID, remoteCfg.Link.PeerID = link.RoleRemote, RemoteID, HostID
	if host, err = w.AddNode("host", hostCfg, hostOpts, user...); err != nil {
		return
	}
	remote, err = w.AddNode("remote", remoteCfg, remoteOpts, user...)
	return
}
