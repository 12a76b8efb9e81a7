package dataplane

import (
	"net"
	"testing"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/rtp"
)

func TestModuleInitCreatesUsablePool(t *testing.T) {
	m, err := ModuleInit(InitParams{PakPoolSize: 16})
	if err != nil {
		t.Fatalf("ModuleInit: %v", err)
	}
	if m.Pool().Capacity() != 16 {
		t.Fatalf("Capacity() = %d, want 16", m.Pool().Capacity())
	}
}

func TestCreateChannelRejectsDuplicateName(t *testing.T) {
	m, _ := ModuleInit(InitParams{})
	if _, err := m.CreateChannel("chan0", false); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := m.CreateChannel("chan0", false); err == nil {
		t.Fatal("expected EXISTS on duplicate channel name")
	} else if derr, ok := err.(*dperrors.Error); !ok || derr.Code() != dperrors.EXISTS {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateChannelRejectsOverCapacity(t *testing.T) {
	m, _ := ModuleInit(InitParams{MaxChannels: 1})
	if _, err := m.CreateChannel("a", false); err != nil {
		t.Fatalf("CreateChannel(a): %v", err)
	}
	if _, err := m.CreateChannel("b", false); err == nil {
		t.Fatal("expected NOMORESTREAMS once MaxChannels is reached")
	}
}

func TestChannelLookupMissingReturnsNoSuchStream(t *testing.T) {
	m, _ := ModuleInit(InitParams{})
	if _, err := m.Channel("nope"); err == nil {
		t.Fatal("expected NOSUCHSTREAM for an unknown channel")
	}
}

func TestModuleDeinitIsSingleUse(t *testing.T) {
	m, _ := ModuleInit(InitParams{})
	if err := m.ModuleDeinit(); err != nil {
		t.Fatalf("ModuleDeinit: %v", err)
	}
	if err := m.ModuleDeinit(); err == nil {
		t.Fatal("expected SHUTDOWN on the second ModuleDeinit call")
	}
}

func TestUpcallIRQAckAndPollCycle(t *testing.T) {
	m, _ := ModuleInit(InitParams{PakPoolSize: 4})
	ch, err := m.CreateChannel("chan0", false)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if _, err := m.AckUpcallIRQ("chan0"); err == nil {
		t.Fatal("expected NOPENDINGIRQ with nothing raised yet")
	} else if derr, ok := err.(*dperrors.Error); !ok || derr.Code() != dperrors.NOPENDINGIRQ {
		t.Fatalf("unexpected error: %v", err)
	}

	ch.Upcalls.Raise(rtp.UpcallSourceActive)

	reasons, ok, err := m.PollUpcallIRQ("chan0")
	if err != nil || !ok {
		t.Fatalf("PollUpcallIRQ: reasons=%v ok=%v err=%v", reasons, ok, err)
	}

	acked, err := m.AckUpcallIRQ("chan0")
	if err != nil || acked != reasons {
		t.Fatalf("AckUpcallIRQ: got %v, %v, want %v, nil", acked, err, reasons)
	}

	if _, err := m.AckUpcallIRQ("chan0"); err == nil {
		t.Fatal("expected NOPENDINGIRQ once drained")
	}
}

func TestClearStatsResetsCountersOnly(t *testing.T) {
	m, _ := ModuleInit(InitParams{PakPoolSize: 4})
	ch, err := m.CreateChannel("chan0", false)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	entry := ch.Primary.Sources.Create(rtp.KeyFromUDP(1, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}))
	entry.Packets, entry.Bytes, entry.Drops = 10, 1000, 2
	ch.Primary.Sources.EnablePktflow(entry, 0)

	if err := m.ClearStats("chan0"); err != nil {
		t.Fatalf("ClearStats: %v", err)
	}
	if entry.Packets != 0 || entry.Bytes != 0 || entry.Drops != 0 {
		t.Fatalf("expected counters cleared, got %+v", entry)
	}
	if !entry.PktflowPermitted {
		t.Fatal("ClearStats must not touch pktflow assignment")
	}
}

func TestDebugFlagsSetClearHas(t *testing.T) {
	d := NewDebugFlags()
	if d.Has(FlagVerboseSourceLog) {
		t.Fatal("expected no flags set initially")
	}
	d.Set(FlagVerboseSourceLog | FlagDisableAgeSweep)
	if !d.Has(FlagVerboseSourceLog) || !d.Has(FlagDisableAgeSweep) {
		t.Fatal("expected both flags to be set")
	}
	d.Clear(FlagVerboseSourceLog)
	if d.Has(FlagVerboseSourceLog) {
		t.Fatal("expected FlagVerboseSourceLog to be cleared")
	}
	if !d.Has(FlagDisableAgeSweep) {
		t.Fatal("expected FlagDisableAgeSweep to remain set")
	}
}
