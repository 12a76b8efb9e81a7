package dataplane

import (
	"net"
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/rtp"
	"github.com/arzzra/vqec-dataplane/pkg/shim"
)

// poolGate is the shim's PacketAllocator view of the shared packet pool: it
// reports whether the pool has room for another allocation (§4.2's
// "allocate up to PUSH_VECTOR_PAKS_MAX packets; if allocation fails, read
// into the emergency buffer") without itself taking a Pak, since the actual
// allocation happens inside the InputStreamOps.Receive callback once the
// datagram's bytes are in hand.
type poolGate struct {
	pool *rtp.Pool
	buf  [rtp.MaxPakSize]byte
}

func (g *poolGate) Scratch() []byte {
	if g.pool.Len() >= g.pool.Capacity() {
		return nil
	}
	return g.buf[:]
}

// StunPacket is one datagram ejected to the control plane because it failed
// RTP validation but looked like a STUN message (§4.4 step 1, §6.1 "STUN
// fallback"): first two bits of the first octet are zero.
type StunPacket struct {
	Channel   string
	Stream    string
	RxTime    time.Time
	From      net.UDPAddr
	Length    int
	Data      []byte
}

// EjectQueue collects STUN-fallback packets for the control plane to drain
// (§6.1), standing in for the real IPC eject channel named as an external
// collaborator in §1.
type EjectQueue struct {
	packets []StunPacket
}

func (q *EjectQueue) push(p StunPacket) { q.packets = append(q.packets, p) }

// Drain returns and clears every queued STUN packet.
func (q *EjectQueue) Drain() []StunPacket {
	out := q.packets
	q.packets = nil
	return out
}

func looksLikeStun(data []byte) bool {
	return len(data) > 0 && data[0]&0xC0 == 0
}

// initShim constructs the module's input shim, backed by the module's
// shared packet pool.
func (m *Module) initShim() {
	gate := &poolGate{pool: m.pool}
	m.shim = shim.NewShim(gate, m.emerg.Buffer(), m.params.PakPoolSize, m.params.MaxPakSize, m.log, m.metrics)
	m.eject = &EjectQueue{}
}

// OSCreate implements §6.2's graph_create-adjacent os_create for one
// channel's ingress socket.
func (m *Module) OSCreate(encap shim.Encap, capa shim.Capa) string {
	return m.shim.OSCreate(encap, capa)
}

// OSBindReserve, OSBindCommit, OSBindUpdate, OSUnbind, OSDestroy delegate to
// the module's shim, implementing §4.2's filter bind lifecycle.
func (m *Module) OSBindReserve(osID string, spec shim.FilterSpec, soRcvBuf int, class shim.Class, dscp int) error {
	return m.shim.OSBindReserve(osID, spec, soRcvBuf, class, dscp)
}

func (m *Module) OSBindCommit(osID string) (uint16, error) {
	return m.shim.OSBindCommit(osID)
}

func (m *Module) OSBindUpdate(osID string, srcAddr net.IP, srcPort uint16) error {
	return m.shim.OSBindUpdate(osID, srcAddr, srcPort)
}

func (m *Module) OSUnbind(osID string) error {
	return m.shim.OSUnbind(osID)
}

func (m *Module) OSDestroy(osID string) error {
	return m.shim.OSDestroy(osID)
}

// ConnectReceiver implements §4.3's accept_connect for the common case this
// core actually needs: binding one OS to one of a channel's RTP receivers
// (primary, repair, or FEC), so that every datagram the shim reads on that
// socket is parsed as RTP and handed to Receiver.Accept (§4.4).
//
// Malformed packets that look like STUN (§6.1) are ejected to the module's
// EjectQueue instead of being counted as an rtp_parse_drop.
func (m *Module) ConnectReceiver(osID, channelName string, kind rtp.PacketType) error {
	ch, err := m.Channel(channelName)
	if err != nil {
		return err
	}
	r := receiverFor(ch, kind)
	if r == nil {
		return dperrors.Of(dperrors.NOSUCHSTREAM)
	}

	ops := shim.InputStreamOps{
		ID: osID,
		Receive: func(data []byte, from shim.UDPAddr) error {
			return m.deliverToReceiver(r, channelName, streamLabel(kind), data, from)
		},
	}
	return m.shim.Connect(osID, ops, shim.EncapRTP, shim.CapaPush)
}

func receiverFor(ch *rtp.Channel, kind rtp.PacketType) *rtp.Receiver {
	switch kind {
	case rtp.PacketPrimary:
		return ch.Primary
	case rtp.PacketRepair:
		return ch.Repair
	case rtp.PacketFEC:
		return ch.FEC
	default:
		return nil
	}
}

func streamLabel(kind rtp.PacketType) string {
	return kind.String()
}

func (m *Module) deliverToReceiver(r *rtp.Receiver, channel, stream string, data []byte, from shim.UDPAddr) error {
	pak := m.pool.Get()
	if pak == nil {
		// Pool exhaustion past the poolGate's check (a race under the
		// coarse lock, or a concurrent drain from another stream): count it
		// the same way the emergency-buffer path does and drop.
		if m.metrics != nil {
			m.metrics.EmergencyRead()
		}
		return nil
	}

	pak.RxTime = time.Now()
	if err := rtp.ParseRTPHeader(pak, data); err != nil {
		pak.Free()
		if looksLikeStun(data) {
			m.eject.push(StunPacket{
				Channel: channel,
				Stream:  stream,
				RxTime:  time.Now(),
				From:    udpAddrFrom(from),
				Length:  len(data),
				Data:    append([]byte(nil), data...),
			})
			return nil
		}
		if m.metrics != nil {
			m.metrics.RTPParseDrop(channel, stream, 1)
		}
		return nil
	}

	addr := udpAddrFrom(from)
	if err := r.Accept(pak, &addr); err != nil {
		pak.Free()
		return err
	}
	return nil
}

func udpAddrFrom(a shim.UDPAddr) net.UDPAddr {
	return net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

// RunService drives the shim's scheduling-class poll cycle (§4.2
// run_service), returning the number of datagrams processed this pass.
func (m *Module) RunService(elapsedMS int) int {
	return m.shim.RunService(elapsedMS)
}

// Eject exposes the module's STUN-fallback queue for the control plane to
// drain.
func (m *Module) Eject() *EjectQueue { return m.eject }
