package shim

import (
	"net"
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
)

// Class is a scheduling priority bucket (§4.3): primary streams get more
// reads per service pass than repair/FEC streams, since losing a primary
// packet is more costly than a delayed repair packet.
type Class int

const (
	ClassPrimary Class = iota
	ClassRepair
	ClassFEC
)

// ReadBudget is how many datagrams a stream of this class may drain from
// its socket in one scheduler pass before yielding to the next stream.
var ReadBudget = map[Class]int{
	ClassPrimary: 8,
	ClassRepair:  4,
	ClassFEC:     2,
}

// pollReadTimeout bounds how long one read waits on a socket with no queued
// datagram before the scheduler moves on.
const pollReadTimeout = time.Millisecond

// Stream couples one socket with the filters bound to it and its
// scheduling class, the shim's per-input-stream unit (§4.2/§4.3).
type Stream struct {
	Name    string
	Class   Class
	Socket  *Socket
	Filters []*Filter
}

// Scheduler drives a cooperative round-robin poll across every registered
// Stream, reading up to each stream's class budget per pass (§4.3). It runs
// entirely on the caller's goroutine — the single service thread of §5.
type Scheduler struct {
	streams []*Stream

	pool      PacketAllocator
	emergency []byte

	log     logging.Logger
	metrics *metrics.Collector
}

// PacketAllocator is the minimal surface the scheduler needs from the
// packet pool: a scratch buffer to read a UDP datagram into before handing
// it to the stream's Filter.Deliver callback.
type PacketAllocator interface {
	Scratch() []byte
}

// NewScheduler builds an empty scheduler. emergencyBuf is reused across all
// streams to drain a socket when pool exhaustion forces a discard-read
// (§4.2).
func NewScheduler(pool PacketAllocator, emergencyBuf []byte, log logging.Logger, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		pool:      pool,
		emergency: emergencyBuf,
		log:       log.WithComponent("shim.scheduler"),
		metrics:   m,
	}
}

// Register adds a stream to the poll rotation.
func (s *Scheduler) Register(stream *Stream) {
	s.streams = append(s.streams, stream)
}

// Poll runs one scheduling pass: each stream gets up to its class budget of
// non-blocking reads, each read demultiplexed to the first matching filter.
// Returns the total number of datagrams processed.
func (s *Scheduler) Poll() int {
	total := 0
	for _, stream := range s.streams {
		budget := ReadBudget[stream.Class]
		for i := 0; i < budget; i++ {
			n, err := s.pollOnce(stream)
			if err != nil {
				break // would-block or socket error: move to the next stream
			}
			total += n
		}
	}
	return total
}

func (s *Scheduler) pollOnce(stream *Stream) (int, error) {
	// A short deadline turns a read on an empty socket into a timeout error,
	// which ends the stream's turn instead of blocking the service loop.
	if err := stream.Socket.SetReadDeadline(pollReadTimeout); err != nil {
		return 0, err
	}
	buf := s.pool.Scratch()
	if buf == nil {
		// pool exhaustion: drain into the shared emergency buffer and
		// discard, so the kernel socket buffer doesn't fill with stale
		// data while we wait for capacity to free up (§4.2).
		n, _, err := stream.Socket.Conn.ReadFromUDP(s.emergency)
		if err != nil {
			return 0, err
		}
		if s.metrics != nil {
			s.metrics.EmergencyRead()
		}
		_ = n
		return 0, nil
	}

	n, addr, err := stream.Socket.Conn.ReadFromUDP(buf)
	if err != nil {
		return 0, err
	}

	for _, f := range stream.Filters {
		if !f.Accepts(addr) {
			continue
		}
		if derr := f.Deliver(buf[:n], addr); derr != nil {
			s.log.Debug("filter delivery failed", logging.String("filter", f.Name), logging.Err(derr))
		}
		return 1, nil
	}

	// no filter matched: the packet is silently dropped, matching the
	// original's INADDR_ANY-miss behavior when no installed filter claims
	// the source.
	return 0, nil
}

// NewUnspecifiedAddr is a convenience for building an INADDR_ANY filter
// address, used when a caller wants to make the "accept any source" intent
// explicit rather than passing nil.
func NewUnspecifiedAddr() net.IP { return net.IPv4zero }

// Unregister removes a stream from the poll rotation (§4.2 os_unbind: "removes
// the entry from its scheduling class list").
func (s *Scheduler) Unregister(name string) {
	for i, st := range s.streams {
		if st.Name == name {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			return
		}
	}
}

// DrainClass services every registered stream of the given class to
// exhaustion, in registration order, matching §4.2's run_service_filter_entry
// contract literally: "repeat until the socket is drained" rather than a
// fixed per-pass read budget. This is what Shim.RunService calls for each
// scheduling class whose interval has elapsed; Poll (budget-bounded) remains
// available for callers that want a bounded single pass instead.
func (s *Scheduler) DrainClass(class Class) int {
	total := 0
	for _, stream := range s.streams {
		if stream.Class != class {
			continue
		}
		for {
			n, err := s.pollOnce(stream)
			if err != nil {
				break
			}
			total += n
		}
	}
	return total
}
