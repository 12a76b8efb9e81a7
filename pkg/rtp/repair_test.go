package rtp

import (
	"testing"

	pionrtp "github.com/pion/rtp"
)

func TestRepairHoldPassesThroughWhenInactive(t *testing.T) {
	h := NewRepairHold()
	pak := &Pak{RTP: &pionrtp.Header{SequenceNumber: 5}, refs: 1, pool: NewPool(1)}
	if !h.Offer(pak) {
		t.Fatal("expected Offer to pass packets through when the filter is inactive")
	}
}

func TestRepairHoldWithholdsBeforeThreshold(t *testing.T) {
	h := NewRepairHold()
	h.ArmFirstSeqNum(100)

	pool := NewPool(4)
	early := pool.Get()
	early.RTP = &pionrtp.Header{SequenceNumber: 90}

	if h.Offer(early) {
		t.Fatal("expected a packet before the armed threshold to be withheld")
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
}

func TestRepairHoldReleasesAtOrAfterThreshold(t *testing.T) {
	h := NewRepairHold()
	h.ArmFirstSeqNum(100)

	pool := NewPool(4)
	atThreshold := pool.Get()
	atThreshold.RTP = &pionrtp.Header{SequenceNumber: 100}

	if !h.Offer(atThreshold) {
		t.Fatal("expected a packet at the threshold to be delivered immediately")
	}
}

func TestRepairHoldReleaseDisarmsAndDrainsFIFO(t *testing.T) {
	h := NewRepairHold()
	h.ArmFirstSeqNum(100)

	pool := NewPool(4)
	first := pool.Get()
	first.RTP = &pionrtp.Header{SequenceNumber: 90}
	second := pool.Get()
	second.RTP = &pionrtp.Header{SequenceNumber: 95}

	h.Offer(first)
	h.Offer(second)

	released := h.Release()
	if len(released) != 2 {
		t.Fatalf("len(released) = %d, want 2", len(released))
	}
	if released[0] != first || released[1] != second {
		t.Fatal("expected Release to preserve FIFO order")
	}
	if h.FirstSeqNumFilActive {
		t.Fatal("expected Release to disarm the filter")
	}
}
