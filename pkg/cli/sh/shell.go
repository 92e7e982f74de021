// Package sh provides an interactive console on a running endpoint.
package sh

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/packet"
	"github.com/robotalks/linkstack/pkg/service"
	"github.com/robotalks/linkstack/pkg/telemetry"
)

var (
	// ErrTimeout indicates the endpoint didn't respond in time.
	ErrTimeout = errors.New("command timeout")
	// ErrRejected indicates a send request was not accepted.
	ErrRejected = errors.New("send rejected")
)

// Shell provides ishell backed interactive console.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	// Timeout bounds the wait for the scheduler.
	Timeout time.Duration
	// AckTimeout bounds the wait for the outcome of a send.
	AckTimeout time.Duration

	Shell    *ishell.Shell
	Name     string
	Endpoint *endpoint.Endpoint
	Counters *diag.Counters
}

const shellKey = "$shell"

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&StatusCmd,
		&StatsCmd,
		&SendCmd,
		&StartCmd,
		&StopCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell on ep. counters is optional.
func New(name string, ep *endpoint.Endpoint, counters *diag.Counters) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,
		Timeout:     time.Second,
		AckTimeout:  2 * time.Second,

		Shell:    ishell.New(),
		Name:     name,
		Endpoint: ep,
		Counters: counters,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(name + " > ")
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Exec runs fn on the endpoint scheduler and waits until it returns.
func (s *Shell) Exec(fn func()) error {
	done := make(chan struct{})
	s.Endpoint.Scheduler.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-time.After(s.Timeout):
		return ErrTimeout
	}
}

// Status collects the endpoint status.
func (s *Shell) Status() (st endpoint.Status, err error) {
	err = s.Exec(func() { st = s.Endpoint.Status() })
	return
}

// Send transmits an application packet and waits for its outcome. The
// request is retried while the service is busy with link traffic.
func (s *Shell) Send(h packet.Header, payload []byte) (string, error) {
	def, ok := s.Endpoint.Packets.Lookup(h)
	if !ok || !def.Header.IsUser() {
		return "", fmt.Errorf("%w: unknown packet %s", ErrRejected, h)
	}
	if len(payload) != def.PayloadSize {
		return "", fmt.Errorf("%w: %s expects %d bytes", ErrRejected, def.Name, def.PayloadSize)
	}
	resultCh := make(chan string, 1)
	listener := service.AckFuncs{
		Ok: func(_ packet.Header, id packet.RollingID) {
			resultCh <- fmt.Sprintf("acked #%d", id)
		},
		Failed: func(_ packet.Header, reason service.Failure) {
			resultCh <- "failed: " + reason.String()
		},
	}
	for deadline := time.Now().Add(s.Timeout); ; {
		var accepted bool
		if err := s.Exec(func() { accepted = s.Endpoint.Send(h, payload, listener) }); err != nil {
			return "", err
		}
		if accepted {
			break
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: service busy", ErrRejected)
		}
		time.Sleep(time.Millisecond)
	}
	if !def.HasAck {
		return "sent", nil
	}
	select {
	case res := <-resultCh:
		return res, nil
	case <-time.After(s.AckTimeout):
		return "", ErrTimeout
	}
}

// FormatStatus renders st for display.
func (s *Shell) FormatStatus(st endpoint.Status) (string, error) {
	if s.OutputJSON {
		return telemetry.Format(telemetry.Snapshot(s.Name, st))
	}
	return FormatStatus(s.Name, st), nil
}

// FormatStatus renders the status of node in human readable form.
func FormatStatus(node string, st endpoint.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s\n", node, st.Link.Role, st.Link.State)
	fmt.Fprintf(&b, "  session %08x links %d losses %d handshake failures %d\n",
		st.Link.SessionID, st.Link.Links, st.Link.Losses, st.Link.HandshakeFailures)
	fmt.Fprintf(&b, "  auth %s channel %d hopping %v rssi %d/%d\n",
		st.AuthMode, st.Channel, st.Hopping, st.LastRSSI, st.Link.PeerRSSI)
	fmt.Fprintf(&b, "  clock %dus offset %dus round trip %dus drift %dus\n",
		st.SyncMicros, st.Link.LastOffsetMicros, st.Link.LastRoundTrip, st.Clock.DriftMicros)
	fmt.Fprintf(&b, "  rx %d dup %d gaps %d overruns %d",
		st.Service.Counters.Received, st.Service.Counters.Duplicates, st.Service.Counters.Gaps, st.Service.Overruns)
	return b.String()
}

// FormatStats renders the diagnostic counters.
func FormatStats(snap diag.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sent %d received %d links %d\n", snap.Sent, snap.Received, snap.Links)
	results := make([]string, 0, len(snap.Results))
	for k := range snap.Results {
		results = append(results, k)
	}
	sort.Strings(results)
	for _, k := range results {
		fmt.Fprintf(&b, "send %s: %d\n", k, snap.Results[k])
	}
	for _, reason := range snap.DropReasons() {
		fmt.Fprintf(&b, "drop %s: %d\n", reason, snap.Drops[reason])
	}
	keys := make([]string, 0, len(snap.HandshakeFailures))
	for k := range snap.HandshakeFailures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "handshake %s: %d\n", k, snap.HandshakeFailures[k])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseHeader parses a header in hex.
func ParseHeader(s string) (packet.Header, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid header %q: %w", s, err)
	}
	return packet.Header(n), nil
}

// Run runs the shell.
func (s *Shell) Run(args ...string) error {
	if len(args) > 0 {
		return s.Shell.Process(args...)
	}
	if s.Interactive {
		s.Shell.Run()
		return nil
	}
	return errors.New("command expected")
}

var (
	// StatusCmd prints the endpoint status.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "print link status",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			st, err := s.Status()
			if err != nil {
				c.Err(err)
				return
			}
			out, err := s.FormatStatus(st)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(out)
		},
	}

	// StatsCmd prints the diagnostic counters.
	StatsCmd = ishell.Cmd{
		Name: "stats",
		Help: "print diagnostic counters",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if s.Counters == nil {
				c.Err(errors.New("no counters"))
				return
			}
			c.Println(FormatStats(s.Counters.Snapshot()))
		},
	}

	// SendCmd sends an application packet.
	SendCmd = ishell.Cmd{
		Name: "send",
		Help: "HEADER [PAYLOAD-HEX]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("header expected"))
				return
			}
			h, err := ParseHeader(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			var payload []byte
			if len(c.Args) > 1 {
				if payload, err = hex.DecodeString(strings.Join(c.Args[1:], "")); err != nil {
					c.Err(err)
					return
				}
			}
			res, err := ShellFrom(c).Send(h, payload)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(res)
		},
	}

	// StartCmd starts the endpoint.
	StartCmd = ishell.Cmd{
		Name: "start",
		Help: "start linking",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var err error
			if execErr := s.Exec(func() { err = s.Endpoint.Start() }); execErr != nil {
				err = execErr
			}
			if err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}

	// StopCmd stops the endpoint.
	StopCmd = ishell.Cmd{
		Name: "stop",
		Help: "disable the link and the radio",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if err := s.Exec(s.Endpoint.Stop); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}
)
