package rtp

import (
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
	"github.com/arzzra/vqec-dataplane/pkg/rcc"
)

// Channel aggregates the primary, repair, and FEC receivers for one
// logical stream (§4.4) and owns the cross-receiver orchestration: failover
// election, packet-flow promotion/demotion, and upcall generation.
//
// A Channel is driven entirely from one goroutine per §5; Accept and the
// various control-plane methods are not safe for concurrent use against
// each other.
type Channel struct {
	Name string

	Primary *Receiver
	Repair  *Receiver // nil if this channel has no repair stream
	FEC     *Receiver // nil if this channel has no FEC stream

	Upcalls *UpcallQueue

	Multicast bool

	// RCC is nil until EnableRepair attaches a repair stream: a primary-only
	// channel never bursts, so its primary receiver admits every packet-flow
	// packet unconditionally (§4.4.1 step 2).
	RCC        *rcc.Machine
	RepairHold *RepairHold

	log     logging.Logger
	metrics *metrics.Collector
}

// NewChannel wires up a Channel. pool and globalBudget are shared across
// every receiver in the channel (and, typically, every channel in the
// process), matching the process-wide packet pool and source-entry slab of
// §5.
func NewChannel(name string, multicast bool, pool *Pool, pcm PCM, log logging.Logger, m *metrics.Collector, limiter *logging.RateLimiter, globalBudget *int) *Channel {
	chLog := log.WithComponent("rtp.channel").WithFields(logging.String("channel", name))
	c := &Channel{
		Name:      name,
		Multicast: multicast,
		log:       chLog,
		metrics:   m,
	}
	c.Primary = NewReceiver(name, "primary", PacketPrimary, pool, pcm, chLog, m, limiter, globalBudget)
	c.Primary.Multicast = multicast
	c.Upcalls = NewUpcallQueue(func() {
		if m != nil {
			m.IRQCoalesced(name)
		}
	})
	// Only the primary stream runs the ACTIVE/INACTIVE failover election
	// side effects of §4.4 step 5 / §4.4.3; repair and FEC sources are
	// never candidates for packet-flow or failover buffering, but they
	// still coalesce upcalls (RTP_SRC_NEW, CSRC update) onto the same
	// per-channel queue (§4.5).
	c.Primary.SetUpcallHooks(c.Upcalls, c.OnSourceActive, c.OnSourceInactive)
	return c
}

// EnableRepair attaches a repair-stream receiver and the RCC state machine
// that gates it (§4.4, RCC repair burst; §9 "RCC state machine"): a channel
// only runs a rapid-channel-change burst once it has a repair stream to
// burst over.
func (c *Channel) EnableRepair(pool *Pool, pcm PCM, limiter *logging.RateLimiter, globalBudget *int) {
	c.Repair = NewReceiver(c.Name, "repair", PacketRepair, pool, pcm, c.log, c.metrics, limiter, globalBudget)
	c.Repair.SetUpcallHooks(c.Upcalls, c.raiseSourceActive, nil)
	c.Repair.SetRepairOffset(c.repairOffset)
	c.RepairHold = NewRepairHold()
	c.Repair.SetRepairHold(c.RepairHold)

	c.RCC = rcc.New(func(event, from, to string) {
		if to == rcc.StateAborted {
			c.Upcalls.Raise(UpcallRCCAbort)
		}
	})
	c.Primary.SetRCCAdmit(c.RCC.AcceptsPrimary)
}

// repairOffset implements the session_rtp_seq_num_offset rule of §4.4 "For
// repair streams the dispatch is different": 0 on a multicast channel,
// otherwise the primary's current packet-flow source's offset, or ok=false
// if the primary has none.
func (c *Channel) repairOffset() (int16, bool) {
	if c.Multicast {
		return 0, true
	}
	src := c.Primary.Sources.PktflowSrc()
	if src == nil {
		return 0, false
	}
	return src.SessionSeqNumOffset, true
}

// StartRCC begins a rapid-channel-change burst for this channel (§6.2
// start_rcc-equivalent), no-op error if the channel has no repair stream.
func (c *Channel) StartRCC() error {
	if c.RCC == nil {
		return dperrors.Of(dperrors.INVALIDARGS)
	}
	return c.RCC.Fire(rcc.EventStartRCC)
}

// AbortRCC implements §6.2's abort_rcc: moves the state machine into
// StateAborted from joining, early_repair, bursting or wait_first_seq,
// raising UpcallRCCAbort via the onEnter hook. From any other state
// (idle, primary, aborted) it returns the machine's transition error.
func (c *Channel) AbortRCC() error {
	if c.RCC == nil {
		return dperrors.Of(dperrors.INVALIDARGS)
	}
	return c.RCC.Fire(rcc.EventAbort)
}

// ProcessAPP implements §6.2's chan_process_app: it stashes the APP
// packet's first-expected-repair-sequence-number by arming the repair hold
// queue, and fires TIME_FIRST_SEQ to record the transition for post-mortem.
func (c *Channel) ProcessAPP(firstSeq uint16) error {
	if c.RepairHold == nil {
		return dperrors.Of(dperrors.INVALIDARGS)
	}
	c.RepairHold.ArmFirstSeqNum(firstSeq)
	if c.RCC != nil && c.RCC.Can(rcc.EventTimeFirstSeq) {
		return c.RCC.Fire(rcc.EventTimeFirstSeq)
	}
	return nil
}

// ReleaseRepairHold drains the repair hold queue (once the RCC burst's
// first-sequence point is confirmed, §3 "Repair input stream") and re-offers
// each withheld packet to the repair receiver's normal dispatch path.
func (c *Channel) ReleaseRepairHold() {
	if c.RepairHold == nil {
		return
	}
	for _, pak := range c.RepairHold.Release() {
		addr := pak.SrcAddr
		if err := c.Repair.Accept(pak, &addr); err != nil {
			c.log.Warn("repair hold release dispatch failed", logging.Err(err))
		}
		pak.Free()
	}
}

// EnableFEC attaches an FEC-stream receiver.
func (c *Channel) EnableFEC(pool *Pool, pcm PCM, limiter *logging.RateLimiter, globalBudget *int) {
	c.FEC = NewReceiver(c.Name, "fec", PacketFEC, pool, pcm, c.log, c.metrics, limiter, globalBudget)
	c.FEC.SetUpcallHooks(c.Upcalls, c.raiseSourceActive, nil)
}

// raiseSourceActive is the bare RTP_SRC_ISACTIVE side effect (§4.4 step 5)
// without the primary-only failover-election behavior of OnSourceActive,
// used by the repair and FEC streams.
func (c *Channel) raiseSourceActive(*Entry) {
	c.Upcalls.Raise(UpcallSourceActive)
}

// OnSourceActive processes the ACTIVE transition for one source (§4.4.3
// "set_state_active"): if the primary receiver has no failover source
// assigned and this source isn't itself the packet-flow source, it becomes
// the new failover source. Always raises an upcall.
func (c *Channel) OnSourceActive(entry *Entry) {
	if !entry.PktflowPermitted && c.failoverHolder() == nil {
		c.Primary.Sources.SetFailoverBuffering(entry)
	}
	c.Upcalls.Raise(UpcallSourceActive)
}

// OnSourceInactive processes the INACTIVE transition (§4.4.3
// "set_state_inactive"): if this was the failover source, its queue is
// discarded and a replacement is elected.
func (c *Channel) OnSourceInactive(entry *Entry) {
	if entry.BufferForFailover {
		c.Primary.Failover.Discard()
		entry.BufferForFailover = false
		c.reelectFailover()
	}
	c.Upcalls.Raise(UpcallSourceInactive)
}

func (c *Channel) failoverHolder() *Entry {
	for _, e := range c.Primary.Sources.All() {
		if e.BufferForFailover {
			return e
		}
	}
	return nil
}

func (c *Channel) reelectFailover() {
	next := ElectFailover(c.Primary.Sources.All())
	if next != nil {
		c.Primary.Sources.SetFailoverBuffering(next)
	}
}

// PromotePktflow implements §4.4.3's "promote_permit_pktflow": it splices
// entry in as the new packet-flow source, computing the continuity offset
// per SpliceOffset, draining any failover queue the entry was holding into
// the PCM, and re-electing a failover source if entry had been it.
func (c *Channel) PromotePktflow(entry *Entry, callerOffset *int16) error {
	if entry.PktflowPermitted {
		return nil
	}

	var queued []*Pak
	wasFailoverHolder := entry.BufferForFailover
	if wasFailoverHolder {
		queued = c.Primary.Failover.Drain()
	}

	if !c.Multicast && callerOffset == nil && len(queued) == 0 {
		c.log.Warn("CHAN_NEW_SOURCE_SYNC_ERROR: unicast promotion with no failover queue to splice from, continuing at offset 0",
			logging.Uint32("ssrc", entry.Key.SSRC))
	}

	offset := SpliceOffset(c.Multicast, callerOffset, queued, c.Primary.lastExtSeqNum)
	c.Primary.Sources.EnablePktflow(entry, offset)
	entry.BufferForFailover = false

	// Splice each queued packet onto the running extended sequence space the
	// same way the normal per-packet path does (§8 invariant 3): project
	// offset+rtp_seq through nearest_to_rtp_seq_num against the last
	// delivered extended sequence number, then advance that anchor.
	last := c.Primary.lastExtSeqNum
	haveLast := c.Primary.haveLastSeq
	for _, pak := range queued {
		candidate16 := ToRTPSeqNum(uint32(offset) + uint32(pak.RTP.SequenceNumber))
		var seq uint32
		if haveLast {
			seq = NearestToRTPSeqNum(last, candidate16)
		} else {
			seq = uint32(candidate16)
		}
		pak.SeqNum = seq
		last = seq
		haveLast = true

		if err := c.Primary.pcm.Insert(pak); err != nil {
			c.log.Warn("failover queue splice insert failed", logging.Err(err))
		}
		pak.Free()
	}
	c.Primary.lastExtSeqNum = last
	c.Primary.haveLastSeq = haveLast

	if wasFailoverHolder {
		c.reelectFailover()
	}
	c.Upcalls.Raise(UpcallPktflowChanged)
	return nil
}

// DemotePktflow implements "dis_current_pktflow_internal": clears
// packet-flow status without selecting a replacement (the control plane is
// expected to call PromotePktflow separately once it knows the next
// source).
func (c *Channel) DemotePktflow() {
	if cur := c.Primary.Sources.PktflowSrc(); cur != nil {
		c.Primary.Sources.DisablePktflow(cur)
		c.Upcalls.Raise(UpcallPktflowChanged)
	}
}

// ScanActivity drives the periodic age/throughput sweep (§4.4.5). Per §4.4.5
// this is only ever run for the primary stream: repair sources live and die
// with the RCC burst/hold-queue lifecycle (§4.4, repair dispatch), and the
// single aggregate FEC source has no individual activity to age out.
func (c *Channel) ScanActivity(now func() time.Time) {
	c.Primary.ScanActivity(now)
}

// GetInfo returns a snapshot of per-source statistics for the control
// plane's get_info API (§6.2), without exposing internal Entry pointers.
type SourceInfo struct {
	Key        SourceKey
	State      SourceState
	Pktflow    bool
	Packets    uint64
	Bytes      uint64
	Drops      uint64
	FirstSeen  time.Time
	LastSeen   time.Time
	CSRCCount  int
}

func (c *Channel) GetInfo() []SourceInfo {
	out := make([]SourceInfo, 0, c.Primary.Sources.Len())
	for _, e := range c.Primary.Sources.All() {
		out = append(out, SourceInfo{
			Key:       e.Key,
			State:     e.State,
			Pktflow:   e.PktflowPermitted,
			Packets:   e.Packets,
			Bytes:     e.Bytes,
			Drops:     e.Drops,
			FirstSeen: e.FirstRxTime,
			LastSeen:  e.LastRxTime,
			CSRCCount: e.CSRCCount,
		})
	}
	return out
}

// GetSourceBySSRC looks up one source by SSRC alone, for control-plane
// queries that don't have the full key (§6.2 get_source_info).
func (c *Channel) GetSourceBySSRC(ssrc uint32) (*Entry, error) {
	for _, e := range c.Primary.Sources.All() {
		if e.Key.SSRC == ssrc {
			return e, nil
		}
	}
	return nil, dperrors.Of(dperrors.NOT_FOUND)
}

// GapReport answers §6.2's chan_get_gap_report: the highest extended
// sequence number this channel has delivered so far plus the accumulated
// per-source drop count, enough for a caller to judge how far behind the
// primary stream's loss is running without reaching into the PCM itself.
type GapReport struct {
	HighestSeqNum  uint32
	HaveHighestSeq bool
	TotalDrops     uint64
	FailoverQueued int
}

// GetGapReport snapshots the current gap-reporting state for the primary
// stream.
func (c *Channel) GetGapReport() GapReport {
	var drops uint64
	for _, e := range c.Primary.Sources.All() {
		drops += e.Drops
	}
	return GapReport{
		HighestSeqNum:  c.Primary.lastExtSeqNum,
		HaveHighestSeq: c.Primary.haveLastSeq,
		TotalDrops:     drops,
		FailoverQueued: c.Primary.Failover.Len(),
	}
}

// ClearStats implements §6.2's chan_clear_stats: resets the per-source
// packet/byte/drop counters across every tracked source without touching
// table membership, pktflow/failover assignment, or sequence-number state.
func (c *Channel) ClearStats() {
	for _, r := range []*Receiver{c.Primary, c.Repair, c.FEC} {
		if r == nil {
			continue
		}
		for _, e := range r.Sources.All() {
			e.Packets = 0
			e.Bytes = 0
			e.Drops = 0
		}
	}
}
