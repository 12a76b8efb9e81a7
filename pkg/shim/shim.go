package shim

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
)

// FilterSpec is §3's "filter entry" as the caller of os_bind_reserve
// describes it: protocol is always UDP (the only supported ingress
// protocol, §6.1), so the struct only carries the fields that vary.
type FilterSpec struct {
	DestAddr net.IP // INADDR_ANY (nil/unspecified) is legal
	DestPort uint16 // 0 on a unicast reserve means "allocate an ephemeral port"

	SrcAddr net.IP // optional source-address filter
	SrcPort uint16 // optional source-port filter (0 = unset)

	ExtraGroup net.IP // optional "extra" multicast group joined early (channel change)
}

func (f FilterSpec) isMulticast() bool {
	return f.DestAddr != nil && f.DestAddr.IsMulticast()
}

// validate applies §4.2's filter validation rules, returning FILTERUNSUPPORTED
// for any combination the original rejects at bind time.
func (f FilterSpec) validate() error {
	multicast := f.isMulticast()
	if multicast && f.DestPort == 0 {
		return dperrors.New(dperrors.FILTERUNSUPPORTED, "multicast dest with dest-port 0")
	}
	if multicast && f.SrcPort != 0 {
		return dperrors.New(dperrors.FILTERUNSUPPORTED, "multicast dest with source-port filter")
	}
	if !multicast && f.SrcPort != 0 && f.SrcAddr == nil {
		return dperrors.New(dperrors.FILTERUNSUPPORTED, "unicast dest with source-port filter but no source-address filter")
	}
	return nil
}

// filterEntry is the runtime state behind one OutputStream's bound filter:
// the spec (reserved), then the committed socket/scheduler registration
// (§4.2 os_bind_reserve -> os_bind_commit).
type filterEntry struct {
	spec FilterSpec

	class Class
	soRcvBuf int
	dscp     int

	reserved  bool
	committed bool

	extraSock *Socket // the early "extra" multicast join, closed at commit
	sock      *Socket
	stream    *Stream
	filter    *Filter
}

// Shim is the process-wide input shim (§4.2): it owns every OutputStream and
// its bound filter entry, the scheduling-class timers driving run_service,
// and the Scheduler that actually drains sockets. One Shim is created per
// Module (§5 "process-wide singletons created at module_init").
type Shim struct {
	mu sync.Mutex

	oses    map[string]*OutputStream
	entries map[string]*filterEntry

	classes map[Class]*classTimer

	scheduler *Scheduler
	pool      PacketAllocator

	pakPoolSize int
	maxPakSize  int

	nextID uint64

	log     logging.Logger
	metrics *metrics.Collector

	servicedOnce bool
	shutdown     bool
}

// classTimer is the "interval_ms / remaining_ms" counter of §4.2: each
// scheduling class is serviced when remaining drops to or below zero, then
// rearmed. remaining is allowed to go negative transiently (§9's "negative
// remaining after a late tick" note) to keep the long-term rate stable.
type classTimer struct {
	intervalMS int
	remainingMS int
}

// DefaultClassIntervals mirrors a reasonable scheduling_policy.polling_interval[]
// (§6.2): primary gets serviced twice as often as repair/FEC, since losing a
// primary packet is costlier than a delayed repair/FEC packet.
var DefaultClassIntervals = map[Class]int{
	ClassPrimary: 10,
	ClassRepair:  20,
	ClassFEC:     20,
}

// NewShim builds an empty shim. pakPoolSize/maxPakSize are used only to
// inflate the requested SO_RCVBUF at bind-commit time (§4.2); emergencyBuf is
// the single process-wide emergency buffer (§4.1) shared across every
// filter's drain path.
func NewShim(pool PacketAllocator, emergencyBuf []byte, pakPoolSize, maxPakSize int, log logging.Logger, m *metrics.Collector) *Shim {
	s := &Shim{
		oses:        make(map[string]*OutputStream),
		entries:     make(map[string]*filterEntry),
		classes:     make(map[Class]*classTimer),
		scheduler:   NewScheduler(pool, emergencyBuf, log, m),
		pool:        pool,
		pakPoolSize: pakPoolSize,
		maxPakSize:  maxPakSize,
		log:         log.WithComponent("shim"),
		metrics:     m,
	}
	for class, interval := range DefaultClassIntervals {
		s.classes[class] = &classTimer{intervalMS: interval}
	}
	return s
}

func (s *Shim) nextOSID() string {
	return fmt.Sprintf("os-%d", atomic.AddUint64(&s.nextID, 1))
}

// OSCreate implements §4.2's os_create: it allocates an OutputStream
// advertising encap/capa and returns its ID.
func (s *Shim) OSCreate(encap Encap, capa Capa) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextOSID()
	s.oses[id] = &OutputStream{ID: id, Encap: encap, Capa: capa}
	return id
}

// OSDestroy implements os_destroy: any still-bound filter is torn down first
// (mirroring shutdown()'s "walks the OS list freeing entries"), then the OS
// itself is removed.
func (s *Shim) OSDestroy(osID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oses[osID]; !ok {
		return dperrors.Of(dperrors.NOSUCHSTREAM)
	}
	if e, ok := s.entries[osID]; ok {
		s.teardown(osID, e)
	}
	delete(s.oses, osID)
	return nil
}

// OSBindReserve implements §4.2's os_bind_reserve: it validates the filter
// and allocates the filter entry without opening a socket or joining the
// destination multicast group. A non-nil ExtraGroup IS joined immediately
// (a best-effort early IGMP join used to shorten channel-change latency);
// here that join is modeled as a throwaway multicast listen on the group,
// left at commit time.
func (s *Shim) OSBindReserve(osID string, spec FilterSpec, soRcvBuf int, class Class, dscp int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return dperrors.Of(dperrors.SHUTDOWN)
	}
	if _, ok := s.oses[osID]; !ok {
		return dperrors.Of(dperrors.NOSUCHSTREAM)
	}
	if _, exists := s.entries[osID]; exists {
		return dperrors.Of(dperrors.OSALREADYBOUND)
	}
	if err := spec.validate(); err != nil {
		return err
	}

	e := &filterEntry{spec: spec, class: class, soRcvBuf: soRcvBuf, dscp: dscp, reserved: true}
	if spec.ExtraGroup != nil {
		extra, err := Open(SocketConfig{LocalAddr: "0.0.0.0:0", Multicast: spec.ExtraGroup})
		if err != nil {
			return fmt.Errorf("join extra multicast group: %w", err)
		}
		e.extraSock = extra
	}
	s.entries[osID] = e
	return nil
}

// OSBindCommit implements §4.2's os_bind_commit: it opens the real socket,
// leaves the extra multicast group, applies the (inflated) receive-buffer
// size, narrows by source address/port if requested, and links the filter
// into its scheduling class. It returns the bound port, which is the
// kernel-allocated ephemeral port when the reservation asked for dest-port 0
// on a unicast filter.
func (s *Shim) OSBindCommit(osID string) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return 0, dperrors.Of(dperrors.SHUTDOWN)
	}
	e, ok := s.entries[osID]
	if !ok {
		return 0, dperrors.Of(dperrors.FILTERNOTSET)
	}
	if e.committed {
		return 0, dperrors.Of(dperrors.FILTERISCOMMITTED)
	}

	if e.extraSock != nil {
		e.extraSock.Close()
		e.extraSock = nil
	}

	local := fmt.Sprintf("%s:%d", destHost(e.spec.DestAddr), e.spec.DestPort)
	cfg := SocketConfig{
		LocalAddr:    local,
		RecvBufBytes: s.inflatedRecvBuf(e.soRcvBuf),
		DSCP:         e.dscp,
	}
	if e.spec.isMulticast() {
		cfg.Multicast = e.spec.DestAddr
	}
	sock, err := Open(cfg)
	if err != nil {
		return 0, fmt.Errorf("bind commit: %w", err)
	}
	e.sock = sock

	filter := &Filter{Name: osID, SrcAddr: e.spec.SrcAddr, SrcPort: e.spec.SrcPort}
	filter.Deliver = s.deliverFunc(osID)
	filter.Commit()
	e.filter = filter

	stream := &Stream{Name: osID, Class: e.class, Socket: sock, Filters: []*Filter{filter}}
	e.stream = stream
	s.scheduler.Register(stream)

	e.committed = true

	port := uint16(sock.Conn.LocalAddr().(*net.UDPAddr).Port)
	return port, nil
}

// inflatedRecvBuf implements §4.2's note that the requested SO_RCVBUF is
// inflated to reflect packet buffers being shared between the shim and the
// rest of the pipeline.
func (s *Shim) inflatedRecvBuf(requested int) int {
	const perPacketOverhead = 128
	return requested + s.pakPoolSize*(s.maxPakSize+perPacketOverhead)
}

func destHost(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return "0.0.0.0"
	}
	return ip.String()
}

// OSBindUpdate implements os_bind_update: only the source-address/port
// fields of a unicast binding may change; multicast rejects with
// FILTERUPDATEUNSUPPORTED (§4.2). A committed binding whose filter has no
// source address also returns FILTERUPDATEUNSUPPORTED when srcAddr is
// non-nil (see Filter.Update).
func (s *Shim) OSBindUpdate(osID string, srcAddr net.IP, srcPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[osID]
	if !ok {
		return dperrors.Of(dperrors.FILTERNOTSET)
	}
	if e.spec.isMulticast() {
		return dperrors.Of(dperrors.FILTERUPDATEUNSUPPORTED)
	}
	e.spec.SrcAddr = srcAddr
	e.spec.SrcPort = srcPort
	if e.filter != nil {
		if err := e.filter.Update(srcAddr, srcPort); err != nil {
			return err
		}
	}
	return nil
}

// OSUnbind implements os_unbind: the filter entry is removed from its
// scheduling class list and destroyed.
func (s *Shim) OSUnbind(osID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[osID]
	if !ok {
		return dperrors.Of(dperrors.FILTERNOTSET)
	}
	s.teardown(osID, e)
	delete(s.entries, osID)
	return nil
}

func (s *Shim) teardown(osID string, e *filterEntry) {
	if e.stream != nil {
		s.scheduler.Unregister(osID)
	}
	if e.sock != nil {
		e.sock.Close()
	}
	if e.extraSock != nil {
		e.extraSock.Close()
	}
	if os, ok := s.oses[osID]; ok {
		os.Disconnect()
	}
}

// Connect implements §4.3's accept_connect for the OS named osID.
func (s *Shim) Connect(osID string, ops InputStreamOps, encap Encap, requestedCapa Capa) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	os, ok := s.oses[osID]
	if !ok {
		return dperrors.Of(dperrors.NOSUCHSTREAM)
	}
	return AcceptConnect(os, ops, encap, requestedCapa)
}

// Disconnect implements the OS-side half of a connection teardown.
func (s *Shim) Disconnect(osID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	os, ok := s.oses[osID]
	if !ok {
		return dperrors.Of(dperrors.NOSUCHSTREAM)
	}
	os.Disconnect()
	return nil
}

// deliverFunc builds the Filter.Deliver callback for osID: it looks up the
// OS's connection at delivery time (not at bind time), since Connect can
// happen independently of, and after, OSBindCommit. The callback runs from
// RunService's drain, which already holds s.mu, so it does not lock again.
func (s *Shim) deliverFunc(osID string) func([]byte, *net.UDPAddr) error {
	return func(data []byte, from *net.UDPAddr) error {
		os, ok := s.oses[osID]
		if !ok || os.conn == nil || os.conn.ops.Receive == nil {
			return nil
		}
		var addr UDPAddr
		if ip4 := from.IP.To4(); ip4 != nil {
			copy(addr.IP[:], ip4)
		}
		addr.Port = uint16(from.Port)
		return os.conn.ops.Receive(data, addr)
	}
}

// RunService drives §4.2's scheduling model: every call decrements each
// class's remaining-ms counter by elapsedMS; any class at or below zero is
// serviced (drained to exhaustion in filter-entry list order) and rearmed to
// its interval. The very first call after construction services every class
// regardless of elapsedMS, matching the original's startup behavior.
func (s *Shim) RunService(elapsedMS int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return 0
	}

	total := 0
	for class, timer := range s.classes {
		service := !s.servicedOnce
		if !service {
			timer.remainingMS -= elapsedMS
			service = timer.remainingMS <= 0
		}
		if service {
			total += s.scheduler.DrainClass(class)
			timer.remainingMS = timer.intervalMS
		}
	}
	s.servicedOnce = true
	return total
}

// Shutdown marks the shim shut down: subsequent bind calls return SHUTDOWN,
// and every OS is torn down (§5 "walks the OS list freeing entries").
func (s *Shim) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	for id, e := range s.entries {
		s.teardown(id, e)
	}
	s.entries = make(map[string]*filterEntry)
	s.oses = make(map[string]*OutputStream)
	s.shutdown = true
}
