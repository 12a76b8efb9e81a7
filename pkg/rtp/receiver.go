package rtp

import (
	"net"
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
	pionrtp "github.com/pion/rtp"
)

// PCM is the packet-cache-manager interface this receiver hands accepted
// packets to for ordered reassembly (§4.4, "insert_to_pcm"). A full PCM
// (jitter buffer, gap detection, repair splicing) is out of scope; StubPCM in
// pcm_stub.go provides a minimal in-order-only implementation sufficient to
// exercise the receiver and drive the test scenarios.
type PCM interface {
	Insert(pak *Pak) error
	NotifyGap(expected, got uint32)
}

// Receiver implements §4.4's RTP source management and dispatch for one
// input stream (primary, repair, or FEC). It owns the source table, the
// failover queue when acting as a primary stream, and the extended
// sequence-number projection applied to every accepted packet.
type Receiver struct {
	Channel string
	Stream  string
	Kind    PacketType

	Sources  *List
	Failover *FailoverQueue // nil unless Kind == PacketPrimary

	// Multicast mirrors the owning channel's Multicast flag (primary stream
	// only): it gates the creation-time failover designation in Accept,
	// which the original only performs for unicast channels.
	Multicast bool

	pcm PCM

	lastExtSeqNum uint32
	haveLastSeq   bool

	upcalls   *UpcallQueue
	onActive  func(*Entry)
	onInactive func(*Entry)

	admit        func() bool          // primary only: RCC state-machine gate (§4.4.1 step 2)
	repairOffset func() (int16, bool) // repair only: session_rtp_seq_num_offset source (§4.4)
	hold         *RepairHold          // repair only: RCC APP hold queue (§3 "Repair input stream")

	log     logging.Logger
	metrics *metrics.Collector
}

// SetRCCAdmit wires the primary receiver to its channel's RCC state machine
// (§4.4.1 step 2, "consult the RCC channel state machine via
// dpchan_pak_event(PRIMARY_PAK)"). Receivers of a channel with no repair
// stream attached (so no RCC machine) leave this nil and admit every
// packet-flow packet unconditionally.
func (r *Receiver) SetRCCAdmit(admit func() bool) { r.admit = admit }

// SetRepairOffset wires the repair receiver's session_rtp_seq_num_offset
// source (§4.4 "For repair streams the dispatch is different"): it reports
// the offset a newly seen repair source should inherit, and ok=false if the
// primary has no packet-flow source yet (in which case the new repair entry
// is dropped instead of created).
func (r *Receiver) SetRepairOffset(fn func() (int16, bool)) { r.repairOffset = fn }

// SetRepairHold wires the repair receiver's RCC APP hold queue: packets pass
// straight through until the APP packet's first-expected-sequence arms the
// filter; after that, packets sequenced before it are withheld until the
// hold is released.
func (r *Receiver) SetRepairHold(h *RepairHold) { r.hold = h }

// SetUpcallHooks wires this receiver to its owning channel's coalesced
// upcall queue and ACTIVE/INACTIVE side effects (§4.4 step 5, §4.4.3,
// §4.4.5). Receivers built without a channel (unit tests, the repair/FEC
// streams of a channel that hasn't opted in) simply never raise upcalls.
func (r *Receiver) SetUpcallHooks(upcalls *UpcallQueue, onActive, onInactive func(*Entry)) {
	r.upcalls = upcalls
	r.onActive = onActive
	r.onInactive = onInactive
}

// PCM exposes the packet-cache manager this receiver delivers accepted
// packets to, for callers that need to inspect it directly (tests, control
// plane diagnostics).
func (r *Receiver) PCM() PCM { return r.pcm }

// NewReceiver builds a Receiver for one input stream. pool backs both the
// source list's implicit allocations and the failover queue (primary
// streams only); globalBudget, if non-nil, is shared across every receiver
// in the channel to model the process-wide source-entry slab.
func NewReceiver(channel, stream string, kind PacketType, pool *Pool, pcm PCM, log logging.Logger, m *metrics.Collector, limiter *logging.RateLimiter, globalBudget *int) *Receiver {
	r := &Receiver{
		Channel: channel,
		Stream:  stream,
		Kind:    kind,
		Sources: NewList(channel, stream, log.WithComponent("rtp.source"), m, limiter, globalBudget),
		pcm:     pcm,
		log:     log.WithComponent("rtp.receiver"),
		metrics: m,
	}
	if kind == PacketPrimary {
		r.Failover = NewFailoverQueue(channel, pool, m, log.WithComponent("rtp.failover"))
	}
	return r
}

// ParseRTPHeader validates and parses the RTP header of a received
// datagram into pak, matching the wire-validation step of §4.4 step 2: a
// malformed header is a packet-level drop, never surfaced to the control
// plane (§7, dperrors.Error.PacketLevel).
func ParseRTPHeader(pak *Pak, data []byte) error {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return dperrors.New(dperrors.BADRTPHDR, "rtp header unmarshal: %v", err)
	}
	pak.RTP = &pkt.Header
	pak.SeqNum = uint32(pkt.Header.SequenceNumber)
	pak.Timestamp = pkt.Header.Timestamp
	n := copy(pak.buf[:], pkt.Payload)
	pak.Payload = pak.buf[:n]
	return nil
}

// Accept processes one received packet through source lookup/creation,
// extended sequence-number projection, and (for the current packet-flow
// source) PCM insertion, mirroring §4.4's per-packet dispatch.
//
// addr is the UDP address the datagram arrived from; it together with the
// RTP SSRC forms the source key (§3). The receive time is taken from
// pak.RxTime, so tests control time by setting it.
func (r *Receiver) Accept(pak *Pak, addr *net.UDPAddr) error {
	pak.SrcAddr = *addr
	pak.Type = r.Kind

	if r.Kind == PacketFEC {
		return r.acceptFEC(pak)
	}

	key := KeyFromUDP(pak.RTP.SSRC, addr)

	if filterSSRC, enabled := r.Sources.SSRCFilter(); enabled && key.SSRC != filterSSRC {
		// Rejected pre-table-lookup (§4.4.6): never surfaced to the control
		// plane, same as a malformed header.
		return nil
	}

	if r.Kind == PacketRepair && r.hold != nil && !r.hold.Offer(pak) {
		// Sequenced before the armed first-expected-sequence threshold:
		// withheld until Channel.ReleaseRepairHold re-offers it to Accept.
		return nil
	}

	entry := r.Sources.Get(key)
	if entry == nil {
		entry = r.Sources.Create(key)
		if entry == nil {
			return dperrors.Of(dperrors.NO_RESOURCE)
		}
		if r.Kind == PacketRepair {
			// §4.4 "For repair streams the dispatch is different": every
			// source that passes the SSRC filter is packet-flow-permitted on
			// first sight, inheriting its offset from the primary's current
			// packet-flow source (or 0 on a multicast channel). If the
			// primary has no packet-flow source yet, the entry is dropped.
			offset, ok := int16(0), true
			if r.repairOffset != nil {
				offset, ok = r.repairOffset()
			}
			if !ok {
				r.Sources.Delete(key)
				return nil
			}
			entry.SessionSeqNumOffset = offset
			entry.PktflowPermitted = true
		} else if r.Kind == PacketPrimary {
			switch {
			case r.Sources.Created == 1:
				// The only situation in which the dataplane itself selects
				// a packet-flow source (§4.4 step 5, original's
				// "ena_pktflow_internal"): the first source ever created for
				// this receiver is admitted immediately, so packets aren't
				// lost to the IPC round-trip before the control plane would
				// otherwise assign packet-flow.
				r.Sources.EnablePktflow(entry, 0)
			case !r.Multicast && !r.hasFailoverHolder():
				// A new unicast source has appeared and no failover source
				// is currently held; designate this one (§4.4 step 5).
				r.Sources.SetFailoverBuffering(entry)
			}
		}
		if r.metrics != nil {
			r.metrics.SetActiveSources(r.Channel, r.Stream, r.Sources.Len())
		}
		if r.upcalls != nil {
			r.upcalls.Raise(UpcallSourceAdded)
		}
	}
	if entry.MarkReceived(pak.RxTime) && r.onActive != nil {
		// §4.4 step 5: the source just went INACTIVE -> ACTIVE. The
		// channel-supplied hook raises RTP_SRC_ISACTIVE and (for primary
		// streams) may elect it as the failover source (§9 open question 1).
		r.onActive(entry)
	}
	entry.Packets++
	entry.Bytes += uint64(len(pak.Payload))
	if entry.UpdateCSRCs(pak.RTP.CSRC) {
		r.log.Debug("csrc list updated", logging.Uint32("ssrc", key.SSRC))
		if r.upcalls != nil {
			r.upcalls.Raise(UpcallCSRCUpdate)
		}
	}

	pak.SeqNum = r.projectSeqNum(entry, pak.RTP.SequenceNumber)

	if !entry.PktflowPermitted {
		if r.Failover != nil && entry.BufferForFailover {
			r.Failover.Push(pak)
			return nil
		}
		// §4.4 step 6, third bullet: neither the packet-flow nor the
		// failover source — drop-count and discard.
		entry.Drops++
		if r.metrics != nil {
			r.metrics.SourceDrop(r.Channel, r.Stream, "not_pktflow", 1)
		}
		return nil
	}

	if r.Kind == PacketPrimary && r.admit != nil && !r.admit() {
		// §4.4.1 step 2: the RCC state machine rejects the primary packet
		// (it is in a state other than bursting, wait_first_seq or primary,
		// e.g. idle or aborted). Counted as sm_drop, never reaches PCM.
		entry.Drops++
		if r.metrics != nil {
			r.metrics.SourceDrop(r.Channel, r.Stream, "sm_drop", 1)
		}
		return nil
	}

	r.lastExtSeqNum = pak.SeqNum
	r.haveLastSeq = true

	if err := r.pcm.Insert(pak); err != nil {
		if r.metrics != nil {
			r.metrics.RTPParseDrop(r.Channel, r.Stream, 1)
		}
		return err
	}
	return nil
}

// hasFailoverHolder reports whether some source in this receiver's table is
// already designated as the failover-buffering source.
func (r *Receiver) hasFailoverHolder() bool {
	for _, e := range r.Sources.All() {
		if e.BufferForFailover {
			return true
		}
	}
	return false
}

// acceptFEC implements the FEC-stream dispatch of §4.4: "the receiver
// maintains a single aggregate source entry regardless of key; each packet
// bumps counters only." Every FEC packet, whatever its SSRC, is folded into
// one Entry keyed on the zero SourceKey.
func (r *Receiver) acceptFEC(pak *Pak) error {
	entry := r.Sources.Get(SourceKey{})
	if entry == nil {
		entry = r.Sources.Create(SourceKey{})
		if entry == nil {
			return dperrors.Of(dperrors.NO_RESOURCE)
		}
	}
	entry.MarkReceived(pak.RxTime)
	entry.Packets++
	entry.Bytes += uint64(len(pak.Payload))
	return nil
}

// projectSeqNum computes the extended 32-bit session sequence number for an
// incoming 16-bit RTP sequence number, nearest to the source's own running
// extended counter (§9). Only the packet-flow source is projected against
// r.lastExtSeqNum; any other source, and the first packet before
// r.lastExtSeqNum is set, gets offset plus the 16-bit number unprojected.
func (r *Receiver) projectSeqNum(entry *Entry, rtpSeq uint16) uint32 {
	base := uint32(entry.SessionSeqNumOffset) + uint32(rtpSeq)
	if !r.haveLastSeq || entry != r.Sources.PktflowSrc() {
		return base
	}
	return NearestToRTPSeqNum(r.lastExtSeqNum, ToRTPSeqNum(base))
}

// ScanActivity drives the per-source age/throughput checks (§4.4.5,
// "vqec_dp_chan_rtp_scan_one_input_stream"): called by Channel.ScanActivity,
// never from the packet-receive path.
func (r *Receiver) ScanActivity(now timeNow) {
	for _, e := range r.Sources.All() {
		if e.CheckThroughput() && r.onInactive != nil {
			// Channel.OnSourceInactive raises RTP_SRC_ISINACTIVE and, if this
			// was the failover source, discards its queue and re-elects.
			r.onInactive(e)
		}
	}
	var toDelete []SourceKey
	for _, e := range r.Sources.All() {
		if e.CheckAge(now()) {
			toDelete = append(toDelete, e.Key)
		}
	}
	for _, k := range toDelete {
		r.Sources.Delete(k)
		if r.upcalls != nil {
			r.upcalls.Raise(UpcallSourceDeleted)
		}
	}
	if r.metrics != nil {
		active := 0
		for _, e := range r.Sources.All() {
			if e.State == SourceActive {
				active++
			}
		}
		r.metrics.SetActiveSources(r.Channel, r.Stream, active)
	}
}

// timeNow lets tests supply a deterministic clock to ScanActivity.
type timeNow func() time.Time
