// Package metrics implements Metrics & Diagnostics (spec, component
// C12): Prometheus counters/gauges/histograms on a private registry
// (so multiple engine instances in the same process, e.g. in tests,
// never collide on the default global registerer), plus a
// HealthReport summarizer grounded on the teacher's DHTMetrics /
// GetHealthScore shape.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every counter/gauge/histogram the engine exposes.
type Registry struct {
	reg *prometheus.Registry

	FramesSent      prometheus.Counter
	FramesReceived  prometheus.Counter
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec // labeled by reason
	FramesDelivered prometheus.Counter

	GuardBlocked *prometheus.CounterVec // labeled by event kind

	ChannelAcquireLatency prometheus.Histogram
	SendLatency           prometheus.Histogram

	ConnectedPeers prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec // labeled by queue name

	CircuitBreakerState prometheus.Gauge
}

// New builds a Registry and registers every collector against a
// fresh, private *prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_frames_sent_total",
			Help: "Total number of frames handed to Transport.Send.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_frames_received_total",
			Help: "Total number of frames decoded from incoming data.",
		}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_frames_forwarded_total",
			Help: "Total number of frames re-enqueued for another hop.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_frames_dropped_total",
			Help: "Total number of frames dropped, labeled by reason.",
		}, []string{"reason"}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_frames_delivered_total",
			Help: "Total number of frames delivered to the application callback.",
		}),
		GuardBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_guard_blocked_total",
			Help: "Total number of guard decisions that blocked a frame, labeled by event kind.",
		}, []string{"kind"}),
		ChannelAcquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcore_channel_acquire_seconds",
			Help:    "Time spent waiting for Pool.Acquire.",
			Buckets: prometheus.DefBuckets,
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcore_send_latency_seconds",
			Help:    "Observed Transport.Send latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_connected_peers",
			Help: "Current number of directly connected peers.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcore_queue_depth",
			Help: "Current outbound queue depth, labeled by queue name.",
		}, []string{"queue"}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_circuit_breaker_state",
			Help: "Robust Layer circuit breaker state: 0=closed, 1=open, 2=half_open.",
		}),
	}

	reg.MustRegister(
		r.FramesSent, r.FramesReceived, r.FramesForwarded, r.FramesDropped, r.FramesDelivered,
		r.GuardBlocked, r.ChannelAcquireLatency, r.SendLatency, r.ConnectedPeers, r.QueueDepth,
		r.CircuitBreakerState,
	)
	return r
}

// Gatherer exposes the private registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// HealthStatus summarizes overall node health for diagnostics (spec
// §4.7/§9), grounded on the teacher's DHT GetHealthScore pattern.
type HealthStatus struct {
	Score           float64 // 0..1
	ConnectedPeers  int
	CircuitOpen     bool
	Recommendations []string
}

// HealthReport derives a HealthStatus snapshot from current gauge
// values and caller-supplied context the registry alone can't see
// (circuit state, queue pressure).
func (r *Registry) HealthReport(connectedPeers int, circuitOpen bool, queueNearCapacity bool) HealthStatus {
	score := 1.0
	var recs []string

	if connectedPeers == 0 {
		score -= 0.5
		recs = append(recs, "no connected peers: verify Transport discovery/advertise is running")
	}
	if circuitOpen {
		score -= 0.3
		recs = append(recs, "circuit breaker open: sends are failing fast, check peer reachability")
	}
	if queueNearCapacity {
		score -= 0.2
		recs = append(recs, "outbound queue near capacity: forwarding is falling behind the tick rate")
	}
	if score < 0 {
		score = 0
	}

	return HealthStatus{
		Score:           score,
		ConnectedPeers:  connectedPeers,
		CircuitOpen:     circuitOpen,
		Recommendations: recs,
	}
}

// ObserveSendLatency records a completed send's latency.
func (r *Registry) ObserveSendLatency(d time.Duration) {
	r.SendLatency.Observe(d.Seconds())
}
