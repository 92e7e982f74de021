// Package prom exports link diagnostics to Prometheus.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robotalks/linkstack/pkg/diag"
	"github.com/robotalks/linkstack/pkg/packet"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Recorder implements diag.Recorder on Prometheus collectors.
type Recorder struct {
	dropped    *prometheus.CounterVec
	received   *prometheus.CounterVec
	sent       *prometheus.CounterVec
	results    *prometheus.CounterVec
	handshake  *prometheus.CounterVec
	linked     prometheus.Gauge
	linkUps    prometheus.Counter
	offset     prometheus.Histogram
	lastLinked bool
}

var _ diag.Recorder = (*Recorder)(nil)

// NewRecorder registers the link metrics on reg. Metrics of several
// endpoints in one process are told apart by the endpoint label.
func NewRecorder(reg prometheus.Registerer, endpoint string) *Recorder {
	labels := prometheus.Labels{"endpoint": endpoint}
	r := &Recorder{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "linkstack_frames_dropped_total",
			Help:        "Inbound frames dropped by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "linkstack_frames_received_total",
			Help:        "Inbound frames accepted by header class.",
			ConstLabels: labels,
		}, []string{"class"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "linkstack_frames_sent_total",
			Help:        "Outbound frames by header class.",
			ConstLabels: labels,
		}, []string{"class"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "linkstack_send_results_total",
			Help:        "Send request outcomes.",
			ConstLabels: labels,
		}, []string{"result"}),
		handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "linkstack_handshake_failures_total",
			Help:        "Handshake failures by stage and reason.",
			ConstLabels: labels,
		}, []string{"stage", "reason"}),
		linked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "linkstack_linked",
			Help:        "1 while the link is established.",
			ConstLabels: labels,
		}),
		linkUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "linkstack_link_established_total",
			Help:        "Number of times the link was established.",
			ConstLabels: labels,
		}),
		offset: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "linkstack_clock_offset_micros",
			Help:        "Absolute clock offsets measured by clock sync.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 12),
		}),
	}
	reg.MustRegister(
		r.dropped,
		r.received,
		r.sent,
		r.results,
		r.handshake,
		r.linked,
		r.linkUps,
		r.offset,
	)
	return r
}

func headerClass(h packet.Header) string {
	switch {
	case h.IsAck():
		return "ack"
	case h.IsLinkControl():
		return "link"
	}
	return "user"
}

func (r *Recorder) FrameDropped(reason diag.DropReason) {
	r.dropped.WithLabelValues(string(reason)).Inc()
}

func (r *Recorder) FrameReceived(h packet.Header) {
	r.received.WithLabelValues(headerClass(h)).Inc()
}

func (r *Recorder) FrameSent(h packet.Header) {
	r.sent.WithLabelValues(headerClass(h)).Inc()
}

func (r *Recorder) SendResult(_ packet.Header, result string) {
	r.results.WithLabelValues(result).Inc()
}

func (r *Recorder) LinkState(_ string, linked bool) {
	if linked {
		r.linked.Set(1)
		if !r.lastLinked {
			r.linkUps.Inc()
		}
	} else {
		r.linked.Set(0)
	}
	r.lastLinked = linked
}

func (r *Recorder) HandshakeFailed(stage, reason string) {
	r.handshake.WithLabelValues(stage, reason).Inc()
}

func (r *Recorder) ClockOffset(micros int64) {
	if micros < 0 {
		micros = -micros
	}
	r.offset.Observe(float64(micros))
}
