package shim

import (
	"net"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
)

// Filter binds one socket to one receiver, restricting which source
// addresses are accepted (§4.2's SSRC/address filter). A zero SrcAddr
// means INADDR_ANY: every sender on the socket is accepted, matching the
// original's filter-install semantics for unicast RCC where the ultimate
// source address isn't known in advance.
type Filter struct {
	Name     string
	SrcAddr  net.IP // nil/unspecified = INADDR_ANY
	SrcPort  uint16 // 0 = any port
	Deliver  func(data []byte, from *net.UDPAddr) error
	committed bool
}

// Accepts reports whether a datagram from addr passes this filter's
// address/port restriction.
func (f *Filter) Accepts(addr *net.UDPAddr) bool {
	if f.SrcPort != 0 && uint16(addr.Port) != f.SrcPort {
		return false
	}
	if f.SrcAddr != nil && !f.SrcAddr.IsUnspecified() && !f.SrcAddr.Equal(addr.IP) {
		return false
	}
	return true
}

// Commit freezes the filter's address/port fields, matching
// FILTERISCOMMITTED semantics: further changes go through Update, not
// direct mutation.
func (f *Filter) Commit() { f.committed = true }

// Update replaces SrcAddr/SrcPort after the fact. Once the filter is
// committed with no source address (INADDR_ANY), an update that supplies a
// source address is refused with FILTERUPDATEUNSUPPORTED (§7) and the filter
// is left unchanged; every other update, including clearing the address, is
// applied.
func (f *Filter) Update(addr net.IP, port uint16) error {
	if f.committed && f.SrcAddr == nil && addr != nil {
		return dperrors.Of(dperrors.FILTERUPDATEUNSUPPORTED)
	}
	f.SrcAddr = addr
	f.SrcPort = port
	return nil
}
