// Package metrics exports the dataplane's debug counters (§4.1, §4.4.7, §5)
// as Prometheus metrics, in the style of the teacher's dialog metrics
// collector: promauto-registered instruments plus a handful of atomically
// updated counters read back for health snapshots.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector is the process-wide metrics sink. One Collector is created at
// module_init and shared by every channel, matching the packet pool / source
// slab being process-wide singletons (§5).
type Collector struct {
	reg prometheus.Registerer

	overruns          prometheus.Counter
	srcLimitExceeded  *prometheus.CounterVec
	srcTableFull      *prometheus.CounterVec
	sourceDrops       *prometheus.CounterVec
	rtpParseDrops     *prometheus.CounterVec
	failoverQueued    *prometheus.GaugeVec
	failoverEvictions *prometheus.CounterVec
	sourcesActive     *prometheus.GaugeVec
	irqCoalesced      *prometheus.CounterVec
	emergencyReads    prometheus.Counter

	// tr135_overruns mirrors the global debug counter referenced by name in
	// §4.1; kept atomic for cheap hot-path increments alongside the
	// Prometheus counter (which itself is safe for concurrent Add, but a
	// plain int64 is handy for synchronous test assertions).
	tr135Overruns int64
}

// NewCollector registers all instruments against reg (pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry).
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		reg: reg,
		overruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "tr135_overruns_total",
			Help:      "Emergency-buffer socket drains due to packet pool exhaustion.",
		}),
		srcLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "rtp_src_limit_exceeded_total",
			Help:      "Packets dropped because a receiver's MAX_KNOWN_SOURCES cap was hit.",
		}, []string{"channel", "stream"}),
		srcTableFull: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "rtp_src_table_full_total",
			Help:      "Packets dropped because the global source-entry slab was exhausted.",
		}, []string{"channel", "stream"}),
		sourceDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "rtp_source_drops_total",
			Help:      "Per-source packet drops (failover queue eviction, SSRC filter, etc).",
		}, []string{"channel", "stream", "reason"}),
		rtpParseDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "rtp_parse_drops_total",
			Help:      "Packets dropped on RTP header validation failure or PCM rejection.",
		}, []string{"channel", "stream"}),
		failoverQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vqecdp",
			Name:      "failover_queue_depth",
			Help:      "Current failover queue depth for a primary input stream.",
		}, []string{"channel"}),
		failoverEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "failover_queue_evictions_total",
			Help:      "Oldest-packet evictions from a full failover queue.",
		}, []string{"channel"}),
		sourcesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vqecdp",
			Name:      "rtp_sources_active",
			Help:      "Number of ACTIVE sources currently tracked per receiver.",
		}, []string{"channel", "stream"}),
		irqCoalesced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "upcall_irq_coalesced_total",
			Help:      "Upcall IRQ reasons OR-ed into an already-pending record instead of a new one.",
		}, []string{"channel"}),
		emergencyReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vqecdp",
			Name:      "emergency_buffer_reads_total",
			Help:      "Datagrams drained into the single emergency buffer under pool exhaustion.",
		}),
	}
}

func (c *Collector) EmergencyRead() {
	c.overruns.Inc()
	c.emergencyReads.Inc()
	atomic.AddInt64(&c.tr135Overruns, 1)
}

func (c *Collector) TR135Overruns() int64 {
	return atomic.LoadInt64(&c.tr135Overruns)
}

func (c *Collector) SourceLimitExceeded(channel, stream string) {
	c.srcLimitExceeded.WithLabelValues(channel, stream).Inc()
}

func (c *Collector) SourceTableFull(channel, stream string) {
	c.srcTableFull.WithLabelValues(channel, stream).Inc()
}

func (c *Collector) SourceDrop(channel, stream, reason string, n int) {
	c.sourceDrops.WithLabelValues(channel, stream, reason).Add(float64(n))
}

func (c *Collector) RTPParseDrop(channel, stream string, n int) {
	c.rtpParseDrops.WithLabelValues(channel, stream).Add(float64(n))
}

func (c *Collector) SetFailoverDepth(channel string, depth int) {
	c.failoverQueued.WithLabelValues(channel).Set(float64(depth))
}

func (c *Collector) FailoverEviction(channel string) {
	c.failoverEvictions.WithLabelValues(channel).Inc()
}

func (c *Collector) SetActiveSources(channel, stream string, n int) {
	c.sourcesActive.WithLabelValues(channel, stream).Set(float64(n))
}

func (c *Collector) IRQCoalesced(channel string) {
	c.irqCoalesced.WithLabelValues(channel).Inc()
}
