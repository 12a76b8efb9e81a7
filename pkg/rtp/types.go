// Package rtp implements the per-channel RTP reception, source-selection,
// and failover core described by the dataplane specification: it turns
// overlapping primary/repair/FEC RTP streams into a single sequence-ordered
// stream handed to a downstream packet-cache manager (PCM).
//
// The design follows vqec-dp's single-threaded cooperative model (§5):
// everything in this package runs on one service goroutine, driven by the
// shim's polling cycle, with control-plane mutating calls expected to hold
// an external lock for their duration.
package rtp

import (
	"net"
)

// PacketType tags where a packet came from, mirroring the "type tag" field
// of §3's pak data model.
type PacketType int

const (
	PacketPrimary PacketType = iota
	PacketRepair
	PacketFEC
)

var packetTypeNames = map[PacketType]string{
	PacketPrimary: "primary",
	PacketRepair:  "repair",
	PacketFEC:     "fec",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Flags is the per-packet bitset carrying RX_DISCONTINUITY and AFTER_EC
// (§3).
type Flags uint8

const (
	FlagRxDiscontinuity Flags = 1 << iota
	FlagAfterEC
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// SourceKey identifies an RTP source by SSRC plus the address/port the
// packet arrived from (§3 "RTP source key"). Equality is bitwise on all
// three fields, so SourceKey is comparable and usable as a map key.
type SourceKey struct {
	SSRC     uint32
	SrcAddr  [4]byte
	SrcPort  uint16
}

// KeyFromUDP builds a SourceKey from a parsed SSRC and the UDP address a
// datagram arrived from. Only IPv4 is supported, matching the filter entry
// model of §3 (dest addr is always v4).
func KeyFromUDP(ssrc uint32, addr *net.UDPAddr) SourceKey {
	var k SourceKey
	k.SSRC = ssrc
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(k.SrcAddr[:], ip4)
	}
	k.SrcPort = uint16(addr.Port)
	return k
}
