// Package metrics exposes the small set of prometheus gauges and counters
// the duplex session subsystem emits. Full metrics scraping and alerting
// are out of scope; this package exists to exercise the client_golang
// dependency the teacher pulls in transitively (via echo's middleware
// stack) with the handful of counters a production session backend would
// actually want: connection counts, append throughput, and chat stream
// outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector this module registers, so callers can
// construct one instance and pass it down instead of relying on global
// state (easier to exercise from tests without cross-test leakage).
type Registry struct {
	ActiveSessions   prometheus.Gauge
	AppendsTotal     *prometheus.CounterVec
	AcksTotal        prometheus.Counter
	ChatStreamsTotal *prometheus.CounterVec
	ChatLatencyMS    prometheus.Histogram
}

// New constructs a Registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessbe",
			Name:      "active_sessions",
			Help:      "Number of currently connected duplex sessions.",
		}),
		AppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessbe",
			Name:      "event_appends_total",
			Help:      "Total events appended to the log, by frame type.",
		}, []string{"frame_type"}),
		AcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessbe",
			Name:      "device_acks_total",
			Help:      "Total ACK operations processed.",
		}),
		ChatStreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessbe",
			Name:      "chat_streams_total",
			Help:      "Total chat streams completed, by outcome (ok, interrupted, error).",
		}, []string{"outcome"}),
		ChatLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessbe",
			Name:      "chat_stream_latency_ms",
			Help:      "Chat stream end-to-end latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
	}

	reg.MustRegister(r.ActiveSessions, r.AppendsTotal, r.AcksTotal, r.ChatStreamsTotal, r.ChatLatencyMS)
	return r
}

// RecordAppend increments the per-frame-type append counter.
func (r *Registry) RecordAppend(frameType string) {
	r.AppendsTotal.WithLabelValues(frameType).Inc()
}

// RecordChatOutcome classifies one finished chat stream for the
// chat_streams_total counter.
func (r *Registry) RecordChatOutcome(interrupted bool, hadError bool) {
	switch {
	case hadError:
		r.ChatStreamsTotal.WithLabelValues("error").Inc()
	case interrupted:
		r.ChatStreamsTotal.WithLabelValues("interrupted").Inc()
	default:
		r.ChatStreamsTotal.WithLabelValues("ok").Inc()
	}
}

// ObserveChatLatency records one chat stream's end-to-end latency.
func (r *Registry) ObserveChatLatency(ms float64) {
	r.ChatLatencyMS.Observe(ms)
}
