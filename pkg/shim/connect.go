package shim

import "github.com/arzzra/vqec-dataplane/pkg/dperrors"

// Capa is the output-stream/input-stream capability bitset (§3 "Output
// stream (os) and Input stream (is)"): connecting requires the intersection
// of advertised capabilities to include at least one push mode.
type Capa uint8

const (
	CapaPush Capa = 1 << iota
	CapaPushVectored
	CapaPull
	CapaBackpressure
	CapaRaw
	CapaPushPoll
)

// pushModes is every bit that counts as a "push mode" for the at-least-one
// requirement in AcceptConnect.
const pushModes = CapaPush | CapaPushVectored | CapaPushPoll

// Has reports whether every bit in want is set in c.
func (c Capa) Has(want Capa) bool { return c&want == want }

// Encap is the wire encapsulation an OS/IS pair agrees on (§3).
type Encap int

const (
	EncapUDP Encap = iota
	EncapRTP
)

// InputStreamOps is the function-pointer table an input stream (the RTP
// receiver side) presents to accept_connect (§4.3, §9 "Capability
// negotiation -> tagged-variant dispatch": a plain struct of optional
// callbacks stands in for the original's vtable). Receive/ReceiveVec are
// non-nil iff the corresponding push-mode capability is actually usable;
// AcceptConnect rejects a requested capability whose function pointer is
// nil.
type InputStreamOps struct {
	ID string

	Receive    func(data []byte, from UDPAddr) error
	ReceiveVec func(pkts []Pushed) error
}

// Pushed is one datagram handed to ReceiveVec, pairing the payload with its
// source address the way a vectored push batch does (§4.2 step 3).
type Pushed struct {
	Data []byte
	From UDPAddr
}

// UDPAddr is the minimal address shape the OS/IS boundary passes around;
// kept distinct from *net.UDPAddr so InputStreamOps doesn't force every
// caller through net's allocation-heavy address type.
type UDPAddr struct {
	IP   [4]byte
	Port uint16
}

// connection is the state an OutputStream caches once AcceptConnect
// succeeds (§4.3): "the OS caches {is_id, is_ops, negotiated_capa}".
type connection struct {
	isID       string
	ops        InputStreamOps
	negotiated Capa
}

// OutputStream is the shim-side peer of §3's "os": it advertises an encap
// and a capability set, and accepts at most one connected input stream.
type OutputStream struct {
	ID   string
	Encap Encap
	Capa Capa

	conn *connection
}

// AcceptConnect implements §4.3's connection predicate: encap must match,
// requestedCapa must be a subset of os.Capa, requestedCapa must name at
// least one push mode whose function pointer on ops is non-nil, and os must
// not already be connected.
func AcceptConnect(os *OutputStream, ops InputStreamOps, encap Encap, requestedCapa Capa) error {
	if os.conn != nil {
		return dperrors.Of(dperrors.OSALREADYCONNECTED)
	}
	if encap != os.Encap {
		return dperrors.Of(dperrors.ENCAPSMISMATCH)
	}
	if requestedCapa&^os.Capa != 0 {
		return dperrors.Of(dperrors.NACKCAPA)
	}
	if requestedCapa&pushModes == 0 {
		return dperrors.Of(dperrors.NACKCAPA)
	}
	if requestedCapa.Has(CapaPush) && ops.Receive == nil {
		return dperrors.Of(dperrors.NACKCAPA)
	}
	if requestedCapa.Has(CapaPushVectored) && ops.ReceiveVec == nil {
		return dperrors.Of(dperrors.NACKCAPA)
	}
	os.conn = &connection{isID: ops.ID, ops: ops, negotiated: requestedCapa}
	return nil
}

// Disconnect clears a connected input stream, if any.
func (os *OutputStream) Disconnect() {
	os.conn = nil
}

// Connected reports whether an input stream is currently attached.
func (os *OutputStream) Connected() bool { return os.conn != nil }
