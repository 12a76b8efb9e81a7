package rtp

import (
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
)

// MaxKnownSources is the per-receiver cap on concurrently tracked RTP
// sources (§3, §4.4.7).
const MaxKnownSources = 3

// MaxCSRCCount bounds the CSRC list cached per source (§3 invariant 4).
const MaxCSRCCount = 15

// AgeThreshold is the inactivity duration after which a non-packet-flow
// source is deleted (§4.4.5).
const AgeThreshold = 20 * time.Second

// TooManySourcesLogInterval is the syslog rate-limit window for source-table
// exhaustion (§4.4.7).
const TooManySourcesLogInterval = 30 * time.Second

// SourceState is ACTIVE or INACTIVE (§3).
type SourceState int

const (
	SourceInactive SourceState = iota
	SourceActive
)

func (s SourceState) String() string {
	if s == SourceActive {
		return "active"
	}
	return "inactive"
}

// XRStats and PostERStats are placeholders for the RTCP XR / post-error-repair
// statistics blocks named by §3; full XR report generation is out of scope
// (Non-goals, §1). Nothing in this package allocates or fills them, and
// GetInfo does not report them.
type XRStats struct {
	Jitter      float64
	LastTransit int64
}

type PostERStats struct {
	LossesRepaired uint32
}

// Entry is one tracked RTP source (§3 "RTP source entry").
type Entry struct {
	Key SourceKey

	State               SourceState
	PktflowPermitted    bool
	BufferForFailover   bool
	FirstRxTime         time.Time
	LastRxTime          time.Time
	CSRCCount           int
	CSRCs               [MaxCSRCCount]uint32
	Packets             uint64
	Bytes               uint64
	Drops               uint64
	SessionSeqNumOffset int16

	receivedSinceLastCheck bool
	threshCnt              int

	XR     *XRStats
	PostER *PostERStats
}

// List is the ordered set of sources tracked by one receiver (§3, §4.4).
// The packet-flow source, if any, is always at index 0 — new sources are
// appended at the tail, and ena_pktflow moves the promoted entry to the
// head, matching the original's TAILQ manipulation.
type List struct {
	entries    []*Entry
	pktflowIdx int // -1 if none

	Created   uint64
	Destroyed uint64

	channel string // label for metrics/log scoping
	stream  string

	log     logging.Logger
	metrics *metrics.Collector
	limiter *logging.RateLimiter

	// globalBudget, if non-nil, is decremented on create and incremented on
	// delete, modeling the pool-wide source-entry slab cap (§5, §3
	// invariant: "global slab of source entries").
	globalBudget *int

	ssrcFilterEnabled bool
	ssrcFilter        uint32
}

// NewList constructs an empty source list scoped to channel/stream for
// metrics and log labeling.
func NewList(channel, stream string, log logging.Logger, m *metrics.Collector, limiter *logging.RateLimiter, globalBudget *int) *List {
	return &List{
		entries:      make([]*Entry, 0, MaxKnownSources),
		pktflowIdx:   -1,
		channel:      channel,
		stream:       stream,
		log:          log,
		metrics:      m,
		limiter:      limiter,
		globalBudget: globalBudget,
	}
}

// Get performs the front-biased linear scan of §4.4 step 3.
func (l *List) Get(key SourceKey) *Entry {
	for _, e := range l.entries {
		if e.Key == key {
			return e
		}
	}
	return nil
}

// PktflowSrc returns the cached packet-flow source, or nil.
func (l *List) PktflowSrc() *Entry {
	if l.pktflowIdx < 0 {
		return nil
	}
	return l.entries[l.pktflowIdx]
}

// Len reports the number of tracked sources.
func (l *List) Len() int { return len(l.entries) }

// All returns the tracked sources in list order (pktflow source first, if
// any). Callers must not retain the slice across a mutating call.
func (l *List) All() []*Entry { return l.entries }

// AddSSRCFilter installs an SSRC filter (§4.4.6): future lookups/creates for
// a non-matching SSRC are rejected, and every currently tracked source whose
// SSRC doesn't match is deleted immediately.
func (l *List) AddSSRCFilter(ssrc uint32) {
	l.ssrcFilterEnabled = true
	l.ssrcFilter = ssrc

	var purge []SourceKey
	for _, e := range l.entries {
		if e.Key.SSRC != ssrc {
			purge = append(purge, e.Key)
		}
	}
	for _, k := range purge {
		l.Delete(k)
	}
}

// DelSSRCFilter removes an installed SSRC filter. Sources already in the
// table are left untouched (§4.4.6: "not a full round-trip").
func (l *List) DelSSRCFilter() {
	l.ssrcFilterEnabled = false
	l.ssrcFilter = 0
}

// SSRCFilter reports the currently installed filter, if any.
func (l *List) SSRCFilter() (ssrc uint32, enabled bool) {
	return l.ssrcFilter, l.ssrcFilterEnabled
}

// Create adds a new source entry, enforcing both the per-receiver cap and
// (if configured) the global slab budget (§4.4.7), as well as any installed
// SSRC filter (§4.4.6, §8 invariant 6).
func (l *List) Create(key SourceKey) *Entry {
	if l.ssrcFilterEnabled && key.SSRC != l.ssrcFilter {
		return nil
	}
	if len(l.entries) >= MaxKnownSources {
		l.limiter.LogIfAllowed(l.channel+"/"+l.stream+"/src_limit", func() {
			l.log.Warn("receiver source limit exceeded", logging.Int("max", MaxKnownSources))
		})
		if l.metrics != nil {
			l.metrics.SourceLimitExceeded(l.channel, l.stream)
		}
		return nil
	}
	if l.globalBudget != nil {
		if *l.globalBudget <= 0 {
			l.limiter.LogIfAllowed(l.channel+"/"+l.stream+"/src_table_full", func() {
				l.log.Warn("global source table full")
			})
			if l.metrics != nil {
				l.metrics.SourceTableFull(l.channel, l.stream)
			}
			return nil
		}
		*l.globalBudget--
	}

	e := &Entry{Key: key, State: SourceActive}
	l.entries = append(l.entries, e)
	l.Created++
	if l.pktflowIdx >= 0 {
		// pktflowIdx is an index into l.entries; appending doesn't move it.
	}
	return e
}

// Delete removes an entry, releasing its slot back to the global budget.
func (l *List) Delete(key SourceKey) bool {
	for i, e := range l.entries {
		if e.Key != key {
			continue
		}
		l.removeAt(i)
		return true
	}
	return false
}

func (l *List) removeAt(i int) {
	if i == l.pktflowIdx {
		l.pktflowIdx = -1
	} else if i < l.pktflowIdx {
		l.pktflowIdx--
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.Destroyed++
	if l.globalBudget != nil {
		*l.globalBudget++
	}
}

// EnablePktflow promotes entry to packet-flow status, demoting any current
// holder and moving the entry to the head of the list (§4.4.3).
func (l *List) EnablePktflow(entry *Entry, offset int16) {
	if cur := l.PktflowSrc(); cur != nil && cur != entry {
		cur.PktflowPermitted = false
	}
	entry.SessionSeqNumOffset = offset
	entry.PktflowPermitted = true

	idx := l.indexOf(entry)
	if idx > 0 {
		l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
		l.entries = append([]*Entry{entry}, l.entries...)
		idx = 0
	}
	l.pktflowIdx = idx
}

// DisablePktflow clears packet-flow status on the current holder, if it
// matches entry.
func (l *List) DisablePktflow(entry *Entry) bool {
	if l.PktflowSrc() != entry {
		return false
	}
	entry.PktflowPermitted = false
	l.pktflowIdx = -1
	return true
}

// SetFailoverBuffering designates entry as the one source whose packets get
// queued for possible later splicing, clearing the flag on any prior holder
// (§4.4.3 "set_failover_buffering_internal"). Assigning nil just clears the
// current holder, if any, discarding its queue via the caller's FailoverQueue.
func (l *List) SetFailoverBuffering(entry *Entry) (previous *Entry) {
	for _, e := range l.entries {
		if e.BufferForFailover && e != entry {
			e.BufferForFailover = false
			previous = e
		}
	}
	if entry != nil {
		entry.BufferForFailover = true
	}
	return previous
}

func (l *List) indexOf(entry *Entry) int {
	for i, e := range l.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

// MarkReceived updates the per-source activity tracking done on every
// accepted packet (§4.4 step 5). It returns true if this packet transitioned
// the source from INACTIVE back to ACTIVE, in which case the caller must
// raise RTP_SRC_ISACTIVE and run the failover-election side effect of
// §4.4 step 5 (Receiver.Accept does this via its onActive hook).
func (e *Entry) MarkReceived(now time.Time) (reactivated bool) {
	if e.FirstRxTime.IsZero() {
		e.FirstRxTime = now
	}
	e.LastRxTime = now
	e.receivedSinceLastCheck = true
	if e.State == SourceInactive {
		e.State = SourceActive
		e.threshCnt++
		return true
	}
	return false
}

// UpdateCSRCs replaces the cached CSRC list if it differs from csrcs,
// returning true if an update occurred (§4.4.4).
func (e *Entry) UpdateCSRCs(csrcs []uint32) bool {
	if len(csrcs) > MaxCSRCCount {
		csrcs = csrcs[:MaxCSRCCount]
	}
	if e.CSRCCount == len(csrcs) {
		same := true
		for i := range csrcs {
			if e.CSRCs[i] != csrcs[i] {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	e.CSRCCount = len(csrcs)
	for i, c := range csrcs {
		e.CSRCs[i] = c
	}
	return true
}

// CheckThroughput implements §4.4.5's activity scan for one source: if no
// packet arrived since the last check, the source transitions to INACTIVE.
// Returns true if a transition occurred.
func (e *Entry) CheckThroughput() bool {
	if e.State != SourceActive {
		return false
	}
	if !e.receivedSinceLastCheck {
		e.State = SourceInactive
		return true
	}
	e.receivedSinceLastCheck = false
	return false
}

// CheckAge reports whether entry should be deleted per §4.4.5: INACTIVE,
// not packet-flow, and idle longer than AgeThreshold.
func (e *Entry) CheckAge(now time.Time) bool {
	return !e.PktflowPermitted &&
		e.State == SourceInactive &&
		now.Sub(e.LastRxTime) > AgeThreshold
}
