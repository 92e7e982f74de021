package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/cli/sh"
	"github.com/robotalks/linkstack/pkg/config"
	"github.com/robotalks/linkstack/pkg/diag/prom"
	"github.com/robotalks/linkstack/pkg/framework"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/sim"
)

var (
	configFile  string
	seed        = int64(1)
	lossRate    = 0.01
	corruptRate = 0.005
	duration    = 30 * time.Second
	sendPeriod  = 5 * time.Millisecond
	metricsAddr string
)

func init() {
	flag.StringVar(&configFile, "config", configFile, "TOML file tuning both endpoints")
	flag.Int64Var(&seed, "seed", seed, "Random seed")
	flag.Float64Var(&lossRate, "loss", lossRate, "Frame loss probability")
	flag.Float64Var(&corruptRate, "corrupt", corruptRate, "Bit flip probability")
	flag.DurationVar(&duration, "duration", duration, "Virtual time to simulate")
	flag.DurationVar(&sendPeriod, "send-period", sendPeriod, "Application send period of the remote, 0 disables")
	flag.StringVar(&metricsAddr, "metrics", metricsAddr, "Serve Prometheus metrics on this address after the run")
}

type traffic struct {
	def     packet.Definition
	rand    *rand.Rand
	pending bool
	acked   int
	failed  map[service.Failure]int
	got     int
}

func (t *traffic) send(node *sim.Node) {
	if t.pending || !node.Link.HasLink() {
		return
	}
	payload := make([]byte, t.def.PayloadSize)
	t.rand.Read(payload)
	t.pending = node.Send(t.def.Header, payload, service.AckFuncs{
		Ok: func(packet.Header, packet.RollingID) {
			t.pending = false
			t.acked++
		},
		Failed: func(_ packet.Header, reason service.Failure) {
			t.pending = false
			t.failed[reason]++
		},
	})
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			glog.Exit(err)
		}
	}
	cfg.LocalID = sim.HostID
	base, err := cfg.Endpoint()
	if err != nil {
		glog.Exit(err)
	}
	defs := cfg.Definitions()

	simCfg := sim.DefaultConfig()
	simCfg.Seed, simCfg.LossRate, simCfg.CorruptRate = seed, lossRate, corruptRate

	reg := prom.NewRegistry()
	hostOpts, remoteOpts := sim.PairOptions()
	hostOpts.Recorder = prom.NewRecorder(reg, "host")
	remoteOpts.Recorder = prom.NewRecorder(reg, "remote")
	w, host, remote, err := sim.NewPairWith(simCfg, base, hostOpts, remoteOpts, defs...)
	if err != nil {
		glog.Exit(err)
	}

	var tr *traffic
	if len(defs) > 0 && sendPeriod > 0 {
		tr = &traffic{def: defs[0], rand: rand.New(rand.NewSource(seed)), failed: make(map[service.Failure]int)}
		host.RegisterPacketReceiver(service.ReceiveFunc(func(*service.Packet) { tr.got++ }), tr.def.Header)
		remote.Scheduler.Every(sendPeriod, func() { tr.send(remote) })
	}

	if err := w.Start(); err != nil {
		glog.Exit(err)
	}
	started := time.Now()
	linkedAt := time.Duration(-1)
	for w.Now() < duration {
		w.Step()
		if linkedAt < 0 && w.Linked() {
			linkedAt = w.Now()
			glog.Infof("linked at %v", linkedAt)
		}
	}

	fmt.Printf("simulated %v in %v\n", w.Now(), time.Since(started).Round(time.Millisecond))
	if linkedAt >= 0 {
		fmt.Printf("first link after %v\n", linkedAt)
	} else {
		fmt.Println("never linked")
	}
	for _, n := range w.Nodes() {
		fmt.Println(sh.FormatStatus(n.Name(), n.Status()))
		fmt.Println(sh.FormatStats(n.Counters.Snapshot()))
	}
	st := w.Medium.Stats()
	fmt.Printf("medium: tx %d delivered %d lost %d corrupted %d collided %d missed %d\n",
		st.Transmitted, st.Delivered, st.Lost, st.Corrupted, st.Collided, st.Missed)
	if tr != nil {
		fmt.Printf("traffic: acked %d received %d failed %v\n", tr.acked, tr.got, tr.failed)
	}

	if metricsAddr == "" {
		if linkedAt < 0 {
			os.Exit(1)
		}
		return
	}
	srv := &http.Server{Addr: metricsAddr, Handler: prom.Handler(reg)}
	glog.Infof("serving metrics on %s", metricsAddr)
	err = framework.NewRunner().HandleSignals().Go(
		framework.NamedRun("metrics", framework.RunFunc(func(ctx context.Context) error {
			return framework.RunWithContextCloser(ctx, srv, srv.ListenAndServe)
		})),
	).Wait()
	if err != nil {
		glog.Exit(err)
	}
}
