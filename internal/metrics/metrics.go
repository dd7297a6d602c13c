// Package metrics exposes Prometheus instrumentation for a megaengine node:
// transport connection counts, gossip message throughput, transfer chunk
// progress, and messaging outbox depth. Metrics are opt-in (config.md
// telemetry.metrics.enabled) and registered on an isolated registry rather
// than the global default, so multiple nodes can run in-process (as in
// tests) without collector name collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all megaengine Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Transport (spec.md §4.3)
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	BytesTotal        *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec

	// Gossip (spec.md §4.4)
	GossipReceivedTotal  *prometheus.CounterVec
	GossipForwardedTotal *prometheus.CounterVec
	GossipDroppedTotal   *prometheus.CounterVec
	SeenSetSize          prometheus.Gauge
	KnownRepos           prometheus.Gauge
	KnownNodes           prometheus.Gauge

	// Transfer (spec.md §4.5)
	TransferChunksTotal   *prometheus.CounterVec
	TransferBytesTotal    *prometheus.CounterVec
	TransferActive        prometheus.Gauge
	TransferDurationSeconds *prometheus.HistogramVec

	// Messaging (spec.md §4.6)
	MessagesSentTotal    *prometheus.CounterVec
	MessagesReceivedTotal *prometheus.CounterVec
	OutboxDepth          prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered on a fresh,
// isolated registry.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_connections_total",
				Help: "Total number of transport connections by direction and result.",
			},
			[]string{"direction", "result"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_active_connections",
				Help: "Number of currently connected peers.",
			},
		),
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_transport_bytes_total",
				Help: "Total bytes sent/received over the transport.",
			},
			[]string{"direction"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "megaengine_dial_duration_seconds",
				Help:    "Duration of outbound connection attempts.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"result"},
		),

		GossipReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_gossip_received_total",
				Help: "Total gossip envelopes received by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		GossipForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_gossip_forwarded_total",
				Help: "Total gossip envelopes relayed to other peers.",
			},
			[]string{"kind"},
		),
		GossipDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_gossip_dropped_total",
				Help: "Total gossip envelopes dropped by reason (duplicate, expired_ttl, bad_signature, parse_failure).",
			},
			[]string{"reason"},
		),
		SeenSetSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_gossip_seen_set_size",
				Help: "Number of envelope hashes currently tracked for deduplication.",
			},
		),
		KnownRepos: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_known_repos",
				Help: "Number of repositories known to this node (owned or external).",
			},
		),
		KnownNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_known_nodes",
				Help: "Number of nodes known to this node via gossip.",
			},
		),

		TransferChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_transfer_chunks_total",
				Help: "Total bundle chunks sent/received.",
			},
			[]string{"direction"},
		),
		TransferBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_transfer_bytes_total",
				Help: "Total bundle bytes sent/received.",
			},
			[]string{"direction"},
		),
		TransferActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_transfer_active",
				Help: "Number of bundle transfers currently in flight.",
			},
		),
		TransferDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "megaengine_transfer_duration_seconds",
				Help:    "Duration of completed bundle transfers.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"result"},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_messages_sent_total",
				Help: "Total chat messages sent by outcome.",
			},
			[]string{"outcome"},
		),
		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "megaengine_messages_received_total",
				Help: "Total chat messages received by kind (direct, relayed).",
			},
			[]string{"kind"},
		),
		OutboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "megaengine_outbox_depth",
				Help: "Number of chat messages currently queued for delivery.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "megaengine_build_info",
				Help: "Build information for the running megaengine node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.BytesTotal,
		m.DialDurationSeconds,
		m.GossipReceivedTotal,
		m.GossipForwardedTotal,
		m.GossipDroppedTotal,
		m.SeenSetSize,
		m.KnownRepos,
		m.KnownNodes,
		m.TransferChunksTotal,
		m.TransferBytesTotal,
		m.TransferActive,
		m.TransferDurationSeconds,
		m.MessagesSentTotal,
		m.MessagesReceivedTotal,
		m.OutboxDepth,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
