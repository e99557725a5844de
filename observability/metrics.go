package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the per-session counter set. Every session owns a fresh
// prometheus registry; embedders that scrape can mount Registry() wherever
// they already expose metrics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsSent       prometheus.Counter
	BytesSent          prometheus.Counter
	Responses          prometheus.Counter
	RequestTimeouts    prometheus.Counter
	Cancellations      prometheus.Counter
	RemoteErrors       prometheus.Counter
	InboundDropped     prometheus.Counter
	TickDropped        prometheus.Counter
	InboundUnrouted    prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	ReconnectSuccesses prometheus.Counter

	RequestLatency prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradelink",
			Subsystem: "session",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(c)
		return c
	}

	m.RequestsSent = counter("requests_sent_total", "Correlated requests handed to the wire.")
	m.BytesSent = counter("bytes_sent_total", "Frame bytes written to the socket.")
	m.Responses = counter("responses_total", "Correlated responses delivered to callers.")
	m.RequestTimeouts = counter("request_timeouts_total", "Requests resolved by deadline expiry.")
	m.Cancellations = counter("cancellations_total", "Requests cancelled by callers.")
	m.RemoteErrors = counter("remote_errors_total", "Responses carrying the generic error message.")
	m.InboundDropped = counter("inbound_dropped_total", "Inbound envelopes dropped under backpressure.")
	m.TickDropped = counter("tick_dropped_total", "Stream items evicted from bounded queues.")
	m.InboundUnrouted = counter("inbound_unrouted_total", "Inbound envelopes with no matching topic.")
	m.HeartbeatsSent = counter("heartbeats_sent_total", "Keepalive frames written.")
	m.ReconnectAttempts = counter("reconnect_attempts_total", "Reconnect attempts started.")
	m.ReconnectSuccesses = counter("reconnect_successes_total", "Reconnects that reached ready.")

	m.RequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradelink",
		Subsystem: "session",
		Name:      "request_latency_seconds",
		Help:      "Latency from pre-send to response delivery.",
		Buckets:   prometheus.DefBuckets,
	})
	m.registry.MustRegister(m.RequestLatency)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveLatency records one request round trip.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.RequestLatency.Observe(d.Seconds())
}

// Snapshot is the pull-style view of the counter set.
type Snapshot struct {
	RequestsSent       uint64
	BytesSent          uint64
	Responses          uint64
	RequestTimeouts    uint64
	Cancellations      uint64
	RemoteErrors       uint64
	InboundDropped     uint64
	TickDropped        uint64
	InboundUnrouted    uint64
	HeartbeatsSent     uint64
	ReconnectAttempts  uint64
	ReconnectSuccesses uint64

	LatencyCount uint64
	LatencySum   float64
}

// Snapshot gathers the registry into a flat view for tests and diagnostics.
func (m *Metrics) Snapshot() Snapshot {
	families, err := m.registry.Gather()
	if err != nil {
		return Snapshot{}
	}

	counters := make(map[string]uint64, len(families))
	var snap Snapshot
	for _, fam := range families {
		if len(fam.Metric) == 0 {
			continue
		}
		metric := fam.Metric[0]
		switch fam.GetType() {
		case dto.MetricType_COUNTER:
			counters[fam.GetName()] = uint64(metric.GetCounter().GetValue())
		case dto.MetricType_HISTOGRAM:
			snap.LatencyCount = metric.GetHistogram().GetSampleCount()
			snap.LatencySum = metric.GetHistogram().GetSampleSum()
		}
	}

	snap.RequestsSent = counters["tradelink_session_requests_sent_total"]
	snap.BytesSent = counters["tradelink_session_bytes_sent_total"]
	snap.Responses = counters["tradelink_session_responses_total"]
	snap.RequestTimeouts = counters["tradelink_session_request_timeouts_total"]
	snap.Cancellations = counters["tradelink_session_cancellations_total"]
	snap.RemoteErrors = counters["tradelink_session_remote_errors_total"]
	snap.InboundDropped = counters["tradelink_session_inbound_dropped_total"]
	snap.TickDropped = counters["tradelink_session_tick_dropped_total"]
	snap.InboundUnrouted = counters["tradelink_session_inbound_unrouted_total"]
	snap.HeartbeatsSent = counters["tradelink_session_heartbeats_sent_total"]
	snap.ReconnectAttempts = counters["tradelink_session_reconnect_attempts_total"]
	snap.ReconnectSuccesses = counters["tradelink_session_reconnect_successes_total"]
	return snap
}
