// Package telemetry publishes endpoint status snapshots.
//
// A snapshot is a protobuf Struct so any consumer can decode it without
// generated types.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"

	"github.com/robotalks/linkstack/pkg/endpoint"
	"github.com/robotalks/linkstack/pkg/sched"
	"github.com/robotalks/linkstack/pkg/transport/mqtt"
)

// TopicFormat formats the status topic of a node.
const TopicFormat = "node/%s/status"

// Topic returns the status topic of node.
func Topic(node string) string {
	return fmt.Sprintf(TopicFormat, node)
}

func num(v float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
}

func str(v string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: v}}
}

func boolean(v bool) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: v}}
}

func object(fields map[string]*structpb.Value) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StructValue{StructValue: &structpb.Struct{Fields: fields}}}
}

// Snapshot converts st into a Struct.
func Snapshot(node string, st endpoint.Status) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"node":        str(node),
		"auth_mode":   str(st.AuthMode.String()),
		"channel":     num(float64(st.Channel)),
		"hopping":     boolean(st.Hopping),
		"sync_micros": num(float64(st.SyncMicros)),
		"last_rssi":   num(float64(st.LastRSSI)),
		"link": object(map[string]*structpb.Value{
			"role":               str(st.Link.Role.String()),
			"state":              str(st.Link.State.String()),
			"session_id":         num(float64(st.Link.SessionID)),
			"links":              num(float64(st.Link.Links)),
			"losses":             num(float64(st.Link.Losses)),
			"handshake_failures": num(float64(st.Link.HandshakeFailures)),
			"offset_micros":      num(float64(st.Link.LastOffsetMicros)),
			"round_trip_micros":  num(float64(st.Link.LastRoundTrip)),
			"peer_rssi":          num(float64(st.Link.PeerRSSI)),
		}),
		"service": object(map[string]*structpb.Value{
			"state":      str(st.Service.State.String()),
			"received":   num(float64(st.Service.Counters.Received)),
			"duplicates": num(float64(st.Service.Counters.Duplicates)),
			"gaps":       num(float64(st.Service.Counters.Gaps)),
			"overruns":   num(float64(st.Service.Overruns)),
		}),
		"clock": object(map[string]*structpb.Value{
			"steps_per_second":  num(float64(st.Clock.StepsPerSecond)),
			"training":          boolean(st.Clock.Training),
			"training_restarts": num(float64(st.Clock.TrainingRestarts)),
			"drift_micros":      num(float64(st.Clock.DriftMicros)),
		}),
	}}
}

// Encode marshals a snapshot.
func Encode(s *structpb.Struct) ([]byte, error) {
	return proto.Marshal(s)
}

// Decode unmarshals a snapshot.
func Decode(data []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Format renders a snapshot as JSON.
func Format(s *structpb.Struct) (string, error) {
	m := jsonpb.Marshaler{OrigName: true}
	return m.MarshalToString(s)
}

// StatusSource collects a Status. It's invoked on the scheduler.
type StatusSource interface {
	Status() endpoint.Status
}

// Publisher periodically publishes the status of an endpoint. The status is
// collected on the endpoint scheduler and published from Run.
type Publisher struct {
	Queue     *mqtt.Queue
	Scheduler *sched.Scheduler
	Source    StatusSource
	Node      string
	Interval  time.Duration
	// Retain keeps the last snapshot on the broker.
	Retain bool
}

// Name implements framework.Named.
func (p *Publisher) Name() string {
	return "telemetry"
}

// Collect fetches one snapshot from the scheduler context.
func (p *Publisher) Collect(ctx context.Context) (*structpb.Struct, error) {
	stCh := make(chan endpoint.Status, 1)
	p.Scheduler.Post(func() { stCh <- p.Source.Status() })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case st := <-stCh:
		return Snapshot(p.Node, st), nil
	}
}

// PublishOnce collects and publishes one snapshot.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	s, err := p.Collect(ctx)
	if err != nil {
		return err
	}
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	token := p.Queue.PubWith(Topic(p.Node), data, 0, p.Retain)
	token.Wait()
	return token.Error()
}

// Run implements framework.Runnable.
func (p *Publisher) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				glog.Warningf("telemetry: publish: %v", err)
			}
		}
	}
}
