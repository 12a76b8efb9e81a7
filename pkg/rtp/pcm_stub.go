package rtp

// StubPCM is a minimal packet-cache manager sufficient to exercise the
// receiver and drive failover test scenarios: it keeps the last accepted
// extended sequence number and reports a gap whenever the next insertion
// isn't its immediate successor. A full jitter buffer / repair splice is
// out of scope (Non-goals).
type StubPCM struct {
	Inserted []*Pak
	Gaps     int

	haveLast bool
	lastSeq  uint32
}

// NewStubPCM constructs an empty stub.
func NewStubPCM() *StubPCM {
	return &StubPCM{}
}

func (p *StubPCM) Insert(pak *Pak) error {
	if p.haveLast && pak.SeqNum != p.lastSeq+1 {
		p.NotifyGap(p.lastSeq+1, pak.SeqNum)
	}
	p.lastSeq = pak.SeqNum
	p.haveLast = true
	p.Inserted = append(p.Inserted, pak)
	return nil
}

func (p *StubPCM) NotifyGap(expected, got uint32) {
	p.Gaps++
}
