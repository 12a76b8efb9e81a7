package rtp

// RepairHold implements the repair-stream hold queue (§3 "Repair input
// stream"). Until ArmFirstSeqNum is called, every repair packet passes
// through; packets that arrive before the RCC APP packet are not withheld.
// Once armed, packets sequenced before the threshold are withheld in FIFO
// order and packets at or after it pass.
type RepairHold struct {
	FirstSeqNumFil       uint16
	FirstSeqNumFilActive bool

	holdq []*Pak
}

// NewRepairHold constructs an empty, inactive hold queue.
func NewRepairHold() *RepairHold {
	return &RepairHold{}
}

// ArmFirstSeqNum activates the filter: packets whose RTP sequence number is
// before seq are held rather than released, matching the APP packet's
// "first expected repair sequence number" field (§4's APP packet handling).
func (h *RepairHold) ArmFirstSeqNum(seq uint16) {
	h.FirstSeqNumFil = seq
	h.FirstSeqNumFilActive = true
}

// Offer either releases pak immediately (filter inactive, or pak is at/after
// the threshold) or appends it to the hold queue, awaiting a later release.
// Returns true if pak should be delivered to the receiver now.
func (h *RepairHold) Offer(pak *Pak) bool {
	if !h.FirstSeqNumFilActive {
		return true
	}
	if SeqLT16(pak.RTP.SequenceNumber, h.FirstSeqNumFil) {
		pak.Ref()
		h.holdq = append(h.holdq, pak)
		return false
	}
	return true
}

// Release returns every held packet (all of them sequenced before the armed
// threshold), in arrival order, and disarms the filter; none is dropped.
// Called once the RCC burst start point is confirmed and no further
// filtering is needed.
func (h *RepairHold) Release() []*Pak {
	out := h.holdq
	h.holdq = nil
	h.FirstSeqNumFilActive = false
	return out
}

// Len reports the current hold-queue depth.
func (h *RepairHold) Len() int { return len(h.holdq) }
