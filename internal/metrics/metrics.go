// Package metrics wires the role engine's observability hooks to
// Prometheus. It replaces a hand-rolled percentile tracker with
// client_golang collectors, giving every node a standard /metrics scrape
// surface instead of a bespoke JSON snapshot endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mathdee/raftkv/internal/raft"
)

// Collector implements raft.Metrics and also tracks store-level
// operation counts. It satisfies raft.Metrics structurally; the raft
// package never imports this one.
type Collector struct {
	nodeID   string
	registry *prometheus.Registry

	role        *prometheus.GaugeVec
	term        prometheus.Gauge
	commitIndex prometheus.Gauge
	logLength   prometheus.Gauge
	rpcLatency  *prometheus.HistogramVec
	storeOps    *prometheus.CounterVec
}

var roleNames = []string{raft.RoleFollower.String(), raft.RoleCandidate.String(), raft.RoleLeader.String()}

// New builds a Collector with its own private registry, scoped to nodeID
// so metrics from every peer in a local test cluster stay distinguishable
// if they happen to share a scrape endpoint.
func New(nodeID string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		nodeID:   nodeID,
		registry: registry,
		role: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raft_role",
			Help: "1 for the role this node currently holds, 0 for the other two.",
		}, []string{"node", "role"}),
		term: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "raft_term",
			Help:        "Current term as observed by this node.",
			ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		commitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "raft_commit_index",
			Help:        "Highest log index known to be committed.",
			ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		logLength: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "raft_log_length",
			Help:        "Number of entries in the local log.",
			ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		rpcLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raft_rpc_latency_seconds",
			Help:    "Round-trip latency of outbound RPCs, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node", "kind"}),
		storeOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Committed key-value operations applied to the local store, by kind.",
		}, []string{"node", "op"}),
	}
}

// SetRole implements raft.Metrics.
func (c *Collector) SetRole(r raft.Role) {
	current := r.String()
	for _, name := range roleNames {
		v := 0.0
		if name == current {
			v = 1
		}
		c.role.WithLabelValues(c.nodeID, name).Set(v)
	}
}

// SetTerm implements raft.Metrics.
func (c *Collector) SetTerm(term uint64) {
	c.term.Set(float64(term))
}

// SetCommitIndex implements raft.Metrics.
func (c *Collector) SetCommitIndex(index int64) {
	c.commitIndex.Set(float64(index))
}

// SetLogLength implements raft.Metrics.
func (c *Collector) SetLogLength(n int) {
	c.logLength.Set(float64(n))
}

// ObserveRPCLatency implements raft.Metrics.
func (c *Collector) ObserveRPCLatency(kind string, d time.Duration) {
	c.rpcLatency.WithLabelValues(c.nodeID, kind).Observe(d.Seconds())
}

// RecordStoreOp increments the counter for one applied store operation
// (e.g. "SET" or "GET"), called from the commit callback.
func (c *Collector) RecordStoreOp(op string) {
	c.storeOps.WithLabelValues(c.nodeID, op).Inc()
}

// Handler returns the Prometheus scrape endpoint for this node's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
