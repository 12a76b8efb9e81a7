package rtp

// UpcallReason is a bit in the coalesced IRQ reason mask (§4.5).
type UpcallReason uint32

const (
	UpcallSourceAdded UpcallReason = 1 << iota
	UpcallSourceActive
	UpcallSourceInactive
	UpcallSourceDeleted
	UpcallPktflowChanged
	UpcallRCCAbort
	UpcallCSRCUpdate
)

// UpcallQueue coalesces IRQ-worthy events for one channel into a single
// pending record per generation: reasons raised while a record is pending
// are OR-ed into it until Drain clears it (§4.5). The control plane only needs to
// know *that* something happened and *why*, not how many times.
type UpcallQueue struct {
	pending    UpcallReason
	generation uint64
	have       bool

	onCoalesced func()
}

// NewUpcallQueue builds an empty queue. onCoalesced, if non-nil, is invoked
// every time Raise finds a record already pending (used to drive the
// upcall_irq_coalesced metric).
func NewUpcallQueue(onCoalesced func()) *UpcallQueue {
	return &UpcallQueue{onCoalesced: onCoalesced}
}

// Raise ORs reason into the pending record, starting a new one if none is
// outstanding.
func (q *UpcallQueue) Raise(reason UpcallReason) {
	if q.have {
		q.pending |= reason
		if q.onCoalesced != nil {
			q.onCoalesced()
		}
		return
	}
	q.have = true
	q.pending = reason
}

// Drain returns the pending reason mask and generation, clearing the
// pending record. Returns ok=false if nothing is pending.
func (q *UpcallQueue) Drain() (reasons UpcallReason, generation uint64, ok bool) {
	if !q.have {
		return 0, q.generation, false
	}
	reasons = q.pending
	generation = q.generation
	q.generation++
	q.pending = 0
	q.have = false
	return reasons, generation, true
}

// Pending reports whether an upcall is currently outstanding.
func (q *UpcallQueue) Pending() bool { return q.have }

// Peek reports the pending reason mask without clearing it, for
// chan_poll_upcall_irq (§6.2), which lets the control plane inspect a
// pending record without committing to having handled it the way Drain's
// ack semantics imply.
func (q *UpcallQueue) Peek() (reasons UpcallReason, ok bool) {
	return q.pending, q.have
}
