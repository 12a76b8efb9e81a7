package shim

import (
	"net"
	"testing"
)

func TestFilterAcceptsAnySourceWhenUnspecified(t *testing.T) {
	f := &Filter{}
	if !f.Accepts(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5000}) {
		t.Fatal("expected an INADDR_ANY filter to accept any source")
	}
}

func TestFilterRejectsMismatchedAddress(t *testing.T) {
	f := &Filter{SrcAddr: net.IPv4(10, 0, 0, 1)}
	if f.Accepts(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}) {
		t.Fatal("expected a mismatched source address to be rejected")
	}
	if !f.Accepts(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}) {
		t.Fatal("expected a matching source address to be accepted")
	}
}

func TestFilterRejectsMismatchedPort(t *testing.T) {
	f := &Filter{SrcPort: 5004}
	if f.Accepts(&net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 5005}) {
		t.Fatal("expected a mismatched source port to be rejected")
	}
}

func TestFilterUpdateRejectedOnceCommittedToAny(t *testing.T) {
	f := &Filter{}
	f.Commit()
	if err := f.Update(net.IPv4(10, 0, 0, 1), 5000); err == nil {
		t.Fatal("expected narrowing an already-committed INADDR_ANY filter to fail")
	}
}
