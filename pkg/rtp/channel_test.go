package rtp

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/logging"
	pionrtp "github.com/pion/rtp"
)

func newTestChannel(t *testing.T, multicast bool) (*Channel, *StubPCM) {
	t.Helper()
	pool := NewPool(64)
	pcm := NewStubPCM()
	log := logging.NewDefault(io.Discard, logging.LevelInfo)
	limiter := logging.NewRateLimiter(TooManySourcesLogInterval)
	c := NewChannel("chan0", multicast, pool, pcm, log, nil, limiter, nil)
	return c, pcm
}

func TestChannelOnSourceActiveElectsFailoverWhenNoneHeld(t *testing.T) {
	c, _ := newTestChannel(t, false)
	entry := c.Primary.Sources.Create(key(1))

	c.OnSourceActive(entry)

	if !entry.BufferForFailover {
		t.Fatal("expected the newly active non-pktflow source to become the failover holder")
	}
	if !c.Upcalls.Pending() {
		t.Fatal("expected an upcall to be raised")
	}
}

func TestChannelOnSourceInactiveDiscardsQueueAndReelects(t *testing.T) {
	c, _ := newTestChannel(t, false)
	a := c.Primary.Sources.Create(key(1))
	b := c.Primary.Sources.Create(key(2))
	b.State = SourceActive
	b.MarkReceived(time.Now())

	c.Primary.Sources.SetFailoverBuffering(a)
	pak := c.poolGet(t)
	pak.RTP = rtpHeader(50)
	c.Primary.Failover.Push(pak)
	pak.Free()

	a.State = SourceInactive
	c.OnSourceInactive(a)

	if c.Primary.Failover.Len() != 0 {
		t.Fatal("expected the failover queue to be discarded")
	}
	if !b.BufferForFailover {
		t.Fatal("expected b to be elected as the new failover holder")
	}
}

func TestChannelPromotePktflowMulticastUsesZeroOffsetAndDrainsQueue(t *testing.T) {
	c, pcm := newTestChannel(t, true)
	entry := c.Primary.Sources.Create(key(1))
	c.Primary.Sources.SetFailoverBuffering(entry)

	pak := c.poolGet(t)
	pak.RTP = rtpHeader(200)
	c.Primary.Failover.Push(pak)
	pak.Free()

	if err := c.PromotePktflow(entry, nil); err != nil {
		t.Fatalf("PromotePktflow: %v", err)
	}
	if !entry.PktflowPermitted {
		t.Fatal("expected entry to become the packet-flow source")
	}
	if entry.SessionSeqNumOffset != 0 {
		t.Fatalf("multicast splice offset = %d, want 0", entry.SessionSeqNumOffset)
	}
	if len(pcm.Inserted) != 1 {
		t.Fatalf("expected the queued packet to be spliced into PCM, got %d inserts", len(pcm.Inserted))
	}
	if c.Primary.Failover.Len() != 0 {
		t.Fatal("expected the failover queue to be drained")
	}
}

func TestChannelPromotePktflowIsNoOpIfAlreadyPktflow(t *testing.T) {
	c, _ := newTestChannel(t, true)
	entry := c.Primary.Sources.Create(key(1))
	c.Primary.Sources.EnablePktflow(entry, 0)

	if err := c.PromotePktflow(entry, nil); err != nil {
		t.Fatalf("PromotePktflow: %v", err)
	}
}

func TestChannelPromotePktflowUnicastEmptyQueueLogsSyncErrorAndUsesZeroOffset(t *testing.T) {
	pool := NewPool(64)
	pcm := NewStubPCM()
	var buf bytes.Buffer
	log := logging.NewDefault(&buf, logging.LevelWarn)
	limiter := logging.NewRateLimiter(TooManySourcesLogInterval)
	c := NewChannel("chan0", false, pool, pcm, log, nil, limiter, nil)
	entry := c.Primary.Sources.Create(key(1))

	if err := c.PromotePktflow(entry, nil); err != nil {
		t.Fatalf("PromotePktflow: %v", err)
	}
	if entry.SessionSeqNumOffset != 0 {
		t.Fatalf("offset = %d, want 0", entry.SessionSeqNumOffset)
	}
	if !strings.Contains(buf.String(), "CHAN_NEW_SOURCE_SYNC_ERROR") {
		t.Fatalf("expected a CHAN_NEW_SOURCE_SYNC_ERROR warning, got log output: %q", buf.String())
	}
}

func TestChannelDemotePktflowClearsWithoutElecting(t *testing.T) {
	c, _ := newTestChannel(t, false)
	entry := c.Primary.Sources.Create(key(1))
	c.Primary.Sources.EnablePktflow(entry, 0)

	c.DemotePktflow()

	if c.Primary.Sources.PktflowSrc() != nil {
		t.Fatal("expected no packet-flow source after demotion")
	}
}

func TestChannelGapReportReflectsHighestSeqAndDrops(t *testing.T) {
	c, _ := newTestChannel(t, false)
	entry := c.Primary.Sources.Create(key(1))
	c.Primary.Sources.EnablePktflow(entry, 0)
	entry.Drops = 3

	if report := c.GetGapReport(); report.HaveHighestSeq {
		t.Fatalf("expected no highest-seq before any packet is accepted, got %+v", report)
	}

	c.Primary.lastExtSeqNum = 41
	c.Primary.haveLastSeq = true

	report := c.GetGapReport()
	if !report.HaveHighestSeq || report.HighestSeqNum != 41 {
		t.Fatalf("expected HighestSeqNum=41, got %+v", report)
	}
	if report.TotalDrops != 3 {
		t.Fatalf("expected TotalDrops=3, got %d", report.TotalDrops)
	}
}

func TestChannelClearStatsResetsCountersNotMembership(t *testing.T) {
	c, _ := newTestChannel(t, false)
	entry := c.Primary.Sources.Create(key(1))
	c.Primary.Sources.EnablePktflow(entry, 0)
	entry.Packets, entry.Bytes, entry.Drops = 5, 500, 1

	c.ClearStats()

	if entry.Packets != 0 || entry.Bytes != 0 || entry.Drops != 0 {
		t.Fatalf("expected counters reset, got %+v", entry)
	}
	if c.Primary.Sources.PktflowSrc() != entry {
		t.Fatal("ClearStats must not disturb packet-flow assignment")
	}
}

// poolGet is a test helper reaching into the channel's primary receiver's
// failover-queue pool.
func (c *Channel) poolGet(t *testing.T) *Pak {
	t.Helper()
	pak := c.Primary.Failover.pool.Get()
	if pak == nil {
		t.Fatal("pool exhausted")
	}
	return pak
}

func rtpHeader(seq uint16) *pionrtp.Header {
	return &pionrtp.Header{SequenceNumber: seq}
}
