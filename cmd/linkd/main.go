package main

//go-build: CGO_ENABLED=0

import (
	"context"
	crand "crypto/rand"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/linkstack/pkg/cli/sh"
	"github.com/robotalks/linkstack/pkg/config"
	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/diag/prom"
	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/env"
	"github.com/robotalks/linkstack/pkg/framework"
	"github.com/robotalks/linkstack/pkg/hw/hosthw"
	"github.com/robotalks/linkstack/pkg/link"
	"github.com/robotalks/linkstack/pkg/radio/bridge"
	"github.com/robotalks/linkstack/pkg/sched"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/telemetry"
	"github.com/robotalks/linkstack/pkg/transport"
	"github.com/robotalks/linkstack/pkg/transport/dial"
	"github.com/robotalks/linkstack/pkg/transport/mqtt"
	"github.com/robotalks/linkstack/pkg/transport/websocket"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", configFile, "TOML configuration file")
}

func serveHTTP(name, addr string, handler http.Handler) (framework.Runnable, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: handler}
	glog.Infof("%s serving on %s", name, ln.Addr())
	return framework.NamedRun(name, framework.RunFunc(func(ctx context.Context) error {
		return framework.RunWithContextCloser(ctx, srv, func() error { return srv.Serve(ln) })
	})), nil
}

func main() {
	flagged := config.Default()
	flagged.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Resolve(flag.CommandLine, configFile, nil)
	if err != nil {
		glog.Exit(err)
	}
	if cfg.LocalID == 0 {
		if cfg.LocalID, err = env.DeviceID(); err != nil {
			glog.Exitf("no device id: %v", err)
		}
	}
	epCfg, err := cfg.Endpoint()
	if err != nil {
		glog.Exit(err)
	}
	name := fmt.Sprintf("%08x", cfg.LocalID)

	var runners []framework.Runnable
	if cfg.Transport.Hub != "" {
		mux := http.NewServeMux()
		mux.Handle("/air", websocket.HubHandler(transport.NewHub()))
		r, err := serveHTTP("hub", cfg.Transport.Hub, mux)
		if err != nil {
			glog.Exit(err)
		}
		runners = append(runners, r)
	}

	conn, err := dial.Open(cfg.Transport.URL, name)
	if err != nil {
		glog.Exitf("open transport %s: %v", cfg.Transport.URL, err)
	}
	defer conn.Close()
	radio := bridge.New(conn, bridge.DefaultConfig())

	counters := diag.NewCounters()
	rec := diag.Multi{counters}
	if cfg.MetricsAddr != "" {
		reg := prom.NewRegistry()
		rec = append(rec, prom.NewRecorder(reg, name))
		r, err := serveHTTP("metrics", cfg.MetricsAddr, prom.Handler(reg))
		if err != nil {
			glog.Exit(err)
		}
		runners = append(runners, r)
	}

	timer := hosthw.NewTimer()
	pps := hosthw.NewPulseSource(timer)
	scheduler := sched.New(sched.NewWallClock())
	ep, err := endpoint.New(endpoint.Hardware{
		Scheduler: scheduler,
		Timer:     timer,
		PPS:       pps,
		Radio:     radio,
		Recorder:  rec,
		Rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		Entropy:   crand.Reader,
	}, epCfg, cfg.Definitions()...)
	if err != nil {
		glog.Exit(err)
	}
	for _, def := range cfg.Definitions() {
		def := def
		ep.RegisterPacketReceiver(service.ReceiveFunc(func(p *service.Packet) {
			glog.Infof("rx %s: %x", def.Name, p.Payload)
		}), def.Header)
	}
	ep.RegisterLinkListener(link.ListenerFunc(func(hasLink bool) {
		glog.Infof("%s link up: %v", name, hasLink)
	}))
	if err := ep.Start(); err != nil {
		glog.Exit(err)
	}

	if cfg.TelemetryURL != "" {
		q, err := mqtt.NewQueueFromURL(cfg.TelemetryURL)
		if err != nil {
			glog.Exit(err)
		}
		if err := q.Connect(); err != nil {
			glog.Exitf("telemetry connect: %v", err)
		}
		defer q.Close()
		runners = append(runners, &telemetry.Publisher{
			Queue:     q,
			Scheduler: scheduler,
			Source:    ep,
			Node:      name,
			Interval:  cfg.TelemetryInterval,
			Retain:    true,
		})
	}
	if cfg.Console {
		shell := sh.New(name, ep, counters)
		runners = append(runners, framework.NamedRun("console", framework.RunFunc(func(context.Context) error {
			return shell.Run(flag.Args()...)
		})))
	}

	runners = append(runners,
		framework.NamedRun("scheduler", scheduler),
		framework.NamedRun("pps", pps),
		framework.NamedRun("transport", conn),
		framework.NamedRun("radio", radio),
	)
	glog.Infof("%s starting as %s on %s", name, cfg.Role, cfg.Transport.URL)
	err = framework.NewRunner().HandleSignals().Go(runners...).Wait()
	ep.Stop()
	if err != nil {
		glog.Exit(err)
	}
}
