package rtp

import (
	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
)

// FailoverQueueMax bounds the failover hold queue per primary stream (§4.4.6,
// original's FAILOVER_PAKS_MAX). Once full, the oldest packet is evicted to
// make room for the newest — buffering recent data is more useful than
// buffering stale data during an extended outage.
const FailoverQueueMax = 128

// FailoverQueue holds packets from the elected failover source while another
// source holds packet flow, so they can be spliced in if/when the
// failover source gets promoted (§4.4.3, §4.4.6).
type FailoverQueue struct {
	handles []Handle
	pool    *Pool

	channel string
	metrics *metrics.Collector
	log     logging.Logger
}

// NewFailoverQueue constructs an empty queue bound to pool for Pak lookups.
func NewFailoverQueue(channel string, pool *Pool, m *metrics.Collector, log logging.Logger) *FailoverQueue {
	return &FailoverQueue{
		handles: make([]Handle, 0, FailoverQueueMax),
		pool:    pool,
		channel: channel,
		metrics: m,
		log:     log,
	}
}

// Len reports the current queue depth.
func (q *FailoverQueue) Len() int { return len(q.handles) }

// Push enqueues pak, taking a reference. If the queue is already at capacity
// the oldest entry is evicted and freed first (§4.4.6).
func (q *FailoverQueue) Push(pak *Pak) {
	if len(q.handles) >= FailoverQueueMax {
		oldest := q.handles[0]
		q.handles = q.handles[1:]
		q.pool.slabs[oldest].Free()
		if q.metrics != nil {
			q.metrics.FailoverEviction(q.channel)
		}
	}
	pak.Ref()
	q.handles = append(q.handles, pak.handle)
	if q.metrics != nil {
		q.metrics.SetFailoverDepth(q.channel, len(q.handles))
	}
}

// Drain removes and returns every queued packet in FIFO order without
// freeing anything: the queue's own reference on each passes to the caller,
// which must Free it (as Discard does). This models vqec_dp_chan_rtp_process_failoverq's drain-to-array
// step: the queue is always fully drained, whether the source is being
// promoted or simply discarded.
func (q *FailoverQueue) Drain() []*Pak {
	out := make([]*Pak, 0, len(q.handles))
	for _, h := range q.handles {
		pak := q.pool.slabs[h]
		out = append(out, pak)
	}
	q.handles = q.handles[:0]
	if q.metrics != nil {
		q.metrics.SetFailoverDepth(q.channel, 0)
	}
	return out
}

// Discard drops every queued packet without returning them, freeing the
// queue's reference on each (used when a failover source is replaced or
// demoted without ever being promoted, §4.4.3's reassignment case).
func (q *FailoverQueue) Discard() {
	for _, pak := range q.Drain() {
		pak.Free()
	}
}

// ElectFailover scans for the best candidate to become the next failover
// source: the most-recently-active ACTIVE source that isn't already the
// packet-flow source (§4.4.3 "elect_failover"). Returns nil if none qualify.
func ElectFailover(entries []*Entry) *Entry {
	var best *Entry
	for _, e := range entries {
		if e.PktflowPermitted || e.State != SourceActive {
			continue
		}
		if best == nil || e.LastRxTime.After(best.LastRxTime) {
			best = e
		}
	}
	return best
}

// SpliceOffset computes the 16-bit-to-32-bit sequence-number continuity
// offset applied when promoting a failover (or brand-new) source to
// packet-flow status, per §4.4.3's "promote_permit_pktflow":
//
//   - multicast sources always splice at offset 0 (no prior stream to
//     continue from);
//   - a caller-supplied offset (unicast RCC burst handoff) is used verbatim;
//   - otherwise, if the queue holds packets, the offset continues the
//     session sequence space from the highest extended sequence number seen
//     on the outgoing primary source, landing the queue's lowest RTP
//     sequence number immediately after it;
//   - an empty queue falls back to offset 0.
func SpliceOffset(multicast bool, callerOffset *int16, queue []*Pak, highestOutgoingExt uint32) int16 {
	if multicast {
		return 0
	}
	if callerOffset != nil {
		return *callerOffset
	}
	if len(queue) == 0 {
		return 0
	}

	lowest := queue[0].RTP.SequenceNumber
	for _, pak := range queue[1:] {
		if SeqLT16(pak.RTP.SequenceNumber, lowest) {
			lowest = pak.RTP.SequenceNumber
		}
	}

	nextExt := highestOutgoingExt + 1
	nextRTP := ToRTPSeqNum(nextExt)
	return int16(nextRTP - lowest)
}
