// Package relaymetrics exposes the relay mesh's Prometheus metrics:
// session counts, message throughput, bus publish latency and
// failures, per-shard load, and pod-level resource gauges.
package relaymetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the relay mesh exports.
// Constructed once per process; promauto registers each collector
// against the default registry at construction time.
type Metrics struct {
	sessionsAccepted prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionsActive   prometheus.Gauge

	messagesRelayed    prometheus.Counter
	messagesDropped    *prometheus.CounterVec
	busPublishLatency  prometheus.Histogram
	busPublishFailures *prometheus.CounterVec

	shardActiveConnections *prometheus.GaugeVec
	shardThroughput        *prometheus.GaugeVec
	shardResponseTimeMs    *prometheus.GaugeVec

	podWeight prometheus.Gauge
	hostCPU   prometheus.Gauge
	hostMem   prometheus.Gauge

	rebalanceAdviceTotal prometheus.Counter
}

// New constructs and registers the relay mesh's metric set.
func New() *Metrics {
	return &Metrics{
		sessionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_sessions_accepted_total",
			Help: "Total number of websocket sessions accepted.",
		}),
		sessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_sessions_closed_total",
			Help: "Total number of websocket sessions closed.",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_sessions_active",
			Help: "Number of currently active websocket sessions on this pod.",
		}),
		messagesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_messages_relayed_total",
			Help: "Total number of user messages fanned out locally or via the bus.",
		}),
		messagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_messages_dropped_total",
			Help: "Total number of outbound events dropped (e.g. full session buffer).",
		}, []string{"reason"}),
		busPublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymesh_bus_publish_latency_seconds",
			Help:    "Latency of bus publish calls.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		busPublishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_bus_publish_failures_total",
			Help: "Total number of failed bus publishes, by channel kind.",
		}, []string{"channel_kind"}),
		shardActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaymesh_shard_active_connections",
			Help: "Active connections per shard.",
		}, []string{"shard_id"}),
		shardThroughput: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaymesh_shard_message_throughput",
			Help: "Messages per second per shard.",
		}, []string{"shard_id"}),
		shardResponseTimeMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaymesh_shard_avg_response_time_ms",
			Help: "Average bus-ingress processing time per shard, in milliseconds.",
		}, []string{"shard_id"}),
		podWeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_pod_weight",
			Help: "This pod's own derived selection weight.",
		}),
		hostCPU: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_host_cpu_percent",
			Help: "Host CPU usage percentage, as sampled by the metrics pump.",
		}),
		hostMem: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_host_memory_percent",
			Help: "Host memory usage percentage, as sampled by the metrics pump.",
		}),
		rebalanceAdviceTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_rebalance_advice_total",
			Help: "Total number of times the balancer proposed a non-empty rebalance.",
		}),
	}
}

func (m *Metrics) SessionAccepted() { m.sessionsAccepted.Inc(); m.sessionsActive.Inc() }
func (m *Metrics) SessionClosed()   { m.sessionsClosed.Inc(); m.sessionsActive.Dec() }

func (m *Metrics) MessageRelayed() { m.messagesRelayed.Inc() }

func (m *Metrics) MessageDropped(reason string) { m.messagesDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) ObserveBusPublish(d time.Duration) { m.busPublishLatency.Observe(d.Seconds()) }

func (m *Metrics) BusPublishFailed(channelKind string) {
	m.busPublishFailures.WithLabelValues(channelKind).Inc()
}

// UpdateShard records one shard's current snapshot under its shard_id
// label, called by the metrics pump each tick.
func (m *Metrics) UpdateShard(shardID string, activeConnections int, throughput, avgResponseMs float64) {
	m.shardActiveConnections.WithLabelValues(shardID).Set(float64(activeConnections))
	m.shardThroughput.WithLabelValues(shardID).Set(throughput)
	m.shardResponseTimeMs.WithLabelValues(shardID).Set(avgResponseMs)
}

func (m *Metrics) UpdatePodWeight(w float64)  { m.podWeight.Set(w) }
func (m *Metrics) UpdateHostCPU(pct float64)  { m.hostCPU.Set(pct) }
func (m *Metrics) UpdateHostMemory(pct float64) { m.hostMem.Set(pct) }

func (m *Metrics) RebalanceAdviceIssued() { m.rebalanceAdviceTotal.Inc() }
