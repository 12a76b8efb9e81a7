package rtp

import (
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
)

// Handle is an arena index identifying a Pak, used in place of a pointer so
// every queue (PCM, failover, shim vector) can hold a plain integer (§9
// "Packet pool → arena + index"). The zero Handle is never valid; slab slot 0
// is reserved for NoHandle, and Get reports exhaustion with a nil *Pak.
type Handle uint32

// NoHandle is the reserved zero Handle; no Pak in the pool carries it.
const NoHandle Handle = 0

// Pak is a reference-counted packet buffer (§3). It is owned exclusively by
// whichever component most recently referenced it; Free drops a reference
// and returns the slot to the pool once the count reaches zero.
type Pak struct {
	handle Handle
	pool   *Pool

	refs int

	RxTime       time.Time
	SrcAddr      net.UDPAddr
	Payload      []byte // sub-slice of the backing buffer; length = payload
	PayloadStart int    // offset into buffer where RTP header ends

	SeqNum    uint32 // 32-bit extended session sequence number (once computed)
	Timestamp uint32 // RTP timestamp, host order
	Type      PacketType
	Flags     Flags

	RTP *pionrtp.Header // parsed header view, nil until ParseRTPHeader succeeds

	buf [MaxPakSize]byte
}

// MaxPakSize bounds a single packet buffer; 1500 covers Ethernet MTU without
// IP fragmentation, matching the teacher's DefaultBufferSize.
const MaxPakSize = 1500

// Pool is a fixed-count slab of Pak buffers (§4.1). Allocation is O(1) via a
// free list; Get returns nil on exhaustion rather than growing the
// slab, so callers can fall back to the emergency-buffer path (§4.2).
//
// The free-list mutex is the one piece of synchronization in this
// otherwise single-threaded design: Startup/Shutdown and control-plane
// calls may run on a different goroutine than the service loop (§5).
type Pool struct {
	mu    sync.Mutex
	slabs []*Pak
	free  []Handle
}

// NewPool allocates size Pak buffers up front.
func NewPool(size int) *Pool {
	p := &Pool{
		slabs: make([]*Pak, size+1), // index 0 reserved for NoHandle
		free:  make([]Handle, 0, size),
	}
	for i := 1; i <= size; i++ {
		pak := &Pak{handle: Handle(i), pool: p}
		p.slabs[i] = pak
		p.free = append(p.free, Handle(i))
	}
	return p
}

// Get allocates a Pak with a single reference already held, or returns
// nil if the pool is exhausted.
func (p *Pool) Get() *Pak {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	h := p.free[n-1]
	p.free = p.free[:n-1]
	pak := p.slabs[h]
	pak.refs = 1
	pak.RTP = nil
	pak.Flags = 0
	pak.Payload = nil
	return pak
}

// Len reports the number of buffers currently checked out, for tests and
// exhaustion-path assertions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slabs) - 1 - len(p.free)
}

// Capacity returns the total slab size.
func (p *Pool) Capacity() int {
	return len(p.slabs) - 1
}

// Ref increments the reference count. A packet may be simultaneously
// referenced by PCM, the failover queue, and the shim's local vector during
// one dispatch (§4.1) — every path pairs its own Ref with exactly one Free.
func (pak *Pak) Ref() {
	pak.pool.mu.Lock()
	pak.refs++
	pak.pool.mu.Unlock()
}

// Free decrements the reference count, returning the buffer to the pool
// when it reaches zero. Cyclic references are disallowed by convention: no
// component may hold a Pak reachable only through another Pak it also
// holds a reference to.
func (pak *Pak) Free() {
	pak.pool.mu.Lock()
	pak.refs--
	done := pak.refs <= 0
	if done {
		pak.pool.free = append(pak.pool.free, pak.handle)
	}
	pak.pool.mu.Unlock()
}

// Emergency is the single global buffer used to drain a socket when the
// pool is exhausted (§4.1, §4.2): the data is discarded, preventing the
// kernel socket buffer from filling with stale data. It is shared across
// all filters; reads into it are always immediately discarded, so there is
// no reference counting to do.
type Emergency struct {
	buf [MaxPakSize]byte
}

// NewEmergencyBuffer constructs the process-wide emergency buffer.
func NewEmergencyBuffer() *Emergency {
	return &Emergency{}
}

// Buffer exposes the backing array for a raw socket read.
func (e *Emergency) Buffer() []byte {
	return e.buf[:]
}
