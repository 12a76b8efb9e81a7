package rtp

import (
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
)

func TestFailoverQueueEvictsOldestWhenFull(t *testing.T) {
	pool := NewPool(FailoverQueueMax + 4)
	q := NewFailoverQueue("chan0", pool, nil, nil)

	var first *Pak
	for i := 0; i < FailoverQueueMax; i++ {
		pak := pool.Get()
		if pak == nil {
			t.Fatal("pool exhausted before reaching capacity")
		}
		if i == 0 {
			first = pak
		}
		q.Push(pak)
		pak.Free() // drop the allocator's own reference; the queue holds its own
	}
	if q.Len() != FailoverQueueMax {
		t.Fatalf("Len() = %d, want %d", q.Len(), FailoverQueueMax)
	}

	overflow := pool.Get()
	q.Push(overflow)
	overflow.Free()

	if q.Len() != FailoverQueueMax {
		t.Fatalf("Len() = %d after overflow push, want unchanged %d", q.Len(), FailoverQueueMax)
	}
	if first.refs != 0 {
		t.Fatalf("expected the evicted oldest packet to be freed back to the pool, refs=%d", first.refs)
	}
}

func TestFailoverQueueDrainReturnsFIFOOrder(t *testing.T) {
	pool := NewPool(8)
	q := NewFailoverQueue("chan0", pool, nil, nil)

	var handles []Handle
	for i := 0; i < 3; i++ {
		pak := pool.Get()
		handles = append(handles, pak.handle)
		q.Push(pak)
		pak.Free()
	}

	drained := q.Drain()
	if len(drained) != 3 {
		t.Fatalf("len(drained) = %d, want 3", len(drained))
	}
	for i, pak := range drained {
		if pak.handle != handles[i] {
			t.Fatalf("drained[%d] handle = %d, want %d (FIFO order)", i, pak.handle, handles[i])
		}
		pak.Free()
	}
	if q.Len() != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestElectFailoverPrefersMostRecentlyActiveNonPktflow(t *testing.T) {
	now := time.Now()
	pktflow := &Entry{State: SourceActive, PktflowPermitted: true, LastRxTime: now}
	stale := &Entry{State: SourceActive, LastRxTime: now.Add(-time.Minute)}
	fresh := &Entry{State: SourceActive, LastRxTime: now}
	inactive := &Entry{State: SourceInactive, LastRxTime: now.Add(time.Minute)}

	got := ElectFailover([]*Entry{pktflow, stale, fresh, inactive})
	if got != fresh {
		t.Fatalf("expected the most recently active non-pktflow ACTIVE source to be elected")
	}
}

func TestElectFailoverReturnsNilWhenNoneQualify(t *testing.T) {
	pktflow := &Entry{State: SourceActive, PktflowPermitted: true}
	inactive := &Entry{State: SourceInactive}
	if got := ElectFailover([]*Entry{pktflow, inactive}); got != nil {
		t.Fatal("expected no eligible failover candidate")
	}
}

func TestSpliceOffsetMulticastIsAlwaysZero(t *testing.T) {
	if got := SpliceOffset(true, nil, nil, 1234); got != 0 {
		t.Fatalf("multicast splice offset = %d, want 0", got)
	}
}

func TestSpliceOffsetUsesCallerOffsetWhenProvided(t *testing.T) {
	offset := int16(42)
	if got := SpliceOffset(false, &offset, nil, 1234); got != 42 {
		t.Fatalf("splice offset = %d, want 42", got)
	}
}

func TestSpliceOffsetContinuesFromHighestOutgoingSeqNum(t *testing.T) {
	queue := []*Pak{
		{RTP: &pionrtp.Header{SequenceNumber: 100}},
		{RTP: &pionrtp.Header{SequenceNumber: 98}},
		{RTP: &pionrtp.Header{SequenceNumber: 99}},
	}
	// highest outgoing extended seq num is 4999 (low 16 bits = 0x1387 & 0xffff)
	got := SpliceOffset(false, nil, queue, 4999)
	// next extended is 5000, truncated to 16 bits; lowest queued RTP seq num is 98
	want := int16(uint16(5000) - 98)
	if got != want {
		t.Fatalf("splice offset = %d, want %d", got, want)
	}
}

func TestSpliceOffsetEmptyQueueNoCallerOffsetIsZero(t *testing.T) {
	if got := SpliceOffset(false, nil, nil, 1234); got != 0 {
		t.Fatalf("splice offset = %d, want 0", got)
	}
}
