// Package rcc implements the rapid-channel-change state machine: the
// bursted-unicast-into-multicast sequence a channel runs through while it
// waits for a repair burst, stitches it to the primary stream, and settles
// into steady-state reception (§9 "RCC state machine").
package rcc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// State names for the RCC Mealy machine.
const (
	StateIdle         = "idle"
	StateJoining      = "joining"
	StateEarlyRepair  = "early_repair"
	StateBursting     = "bursting"
	StateWaitFirstSeq = "wait_first_seq"
	StatePrimary      = "primary"
	StateAborted      = "aborted"
)

// Event names, exactly the set named by §9.
const (
	EventStartRCC        = "START_RCC"
	EventAbort           = "ABORT"
	EventInternalErr     = "INTERNAL_ERR"
	EventTimeToJoin      = "TIME_TO_JOIN"
	EventTimeToEnER      = "TIME_TO_EN_ER"
	EventTimeEndBurst    = "TIME_END_BURST"
	EventTimeFirstSeq    = "TIME_FIRST_SEQ"
	EventRepair          = "REPAIR"
	EventPrimary         = "PRIMARY"
	EventActivityTimeout = "ACTIVITY_TIMEOUT"
)

// TransitionRecord is one entry in the post-mortem ring buffer (§9: "log
// transitions into a fixed ring buffer for post-mortem").
type TransitionRecord struct {
	Event string
	From  string
	To    string
}

// RingSize bounds the post-mortem transition log.
const RingSize = 64

// Machine wraps looplab/fsm with the fixed RCC event/state set and a
// bounded transition history, in the shape of the teacher's ReferFSM.
type Machine struct {
	mu sync.Mutex

	fsm *fsm.FSM

	history    [RingSize]TransitionRecord
	historyLen int
	historyPos int
}

// New constructs a Machine in StateIdle. onEnter, if non-nil, is invoked
// synchronously every time the machine moves to a different state, useful
// for driving an upcall raise from channel-level code; the REPAIR and
// TIME_FIRST_SEQ self-loops do not invoke it.
func New(onEnter func(event string, from, to string)) *Machine {
	m := &Machine{}
	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStartRCC, Src: []string{StateIdle}, Dst: StateJoining},
			{Name: EventTimeToJoin, Src: []string{StateJoining}, Dst: StateEarlyRepair},
			{Name: EventTimeToEnER, Src: []string{StateEarlyRepair}, Dst: StateBursting},
			{Name: EventRepair, Src: []string{StateBursting}, Dst: StateBursting},
			{Name: EventTimeEndBurst, Src: []string{StateBursting}, Dst: StateWaitFirstSeq},
			{Name: EventTimeFirstSeq, Src: []string{StateWaitFirstSeq}, Dst: StateWaitFirstSeq},
			{Name: EventPrimary, Src: []string{StateWaitFirstSeq, StateBursting}, Dst: StatePrimary},
			{Name: EventAbort, Src: []string{
				StateJoining, StateEarlyRepair, StateBursting, StateWaitFirstSeq,
			}, Dst: StateAborted},
			{Name: EventInternalErr, Src: []string{
				StateIdle, StateJoining, StateEarlyRepair, StateBursting, StateWaitFirstSeq, StatePrimary,
			}, Dst: StateAborted},
			{Name: EventActivityTimeout, Src: []string{StatePrimary}, Dst: StateAborted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.record(e.Event, e.Src, e.Dst)
				if onEnter != nil {
					onEnter(e.Event, e.Src, e.Dst)
				}
			},
		},
	)
	return m
}

// Fire drives one event through the machine. Returns an error if the event
// isn't valid from the current state (§7 INVALIDARGS-class failure).
func (m *Machine) Fire(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTrans fsm.NoTransitionError
		if errors.As(err, &noTrans) && noTrans.Err == nil {
			// A declared self-loop (REPAIR in bursting, TIME_FIRST_SEQ in
			// wait_first_seq): looplab/fsm reports it as NoTransitionError
			// and skips enter_state, so it is recorded here as a success.
			cur := m.fsm.Current()
			m.record(event, cur, cur)
			return nil
		}
		return fmt.Errorf("rcc transition %s from %s: %w", event, m.fsm.Current(), err)
	}
	return nil
}

// State returns the current state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Can reports whether event is valid from the current state.
func (m *Machine) Can(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Can(event)
}

// AcceptsPrimary implements §4.4.1 step 2's dpchan_pak_event(PRIMARY_PAK):
// once steady state is reached, every further primary packet is accepted
// without re-firing (PRIMARY has no transition out of StatePrimary);
// arriving while still bursting or waiting for the first sequence number is
// itself the PRIMARY event completing the burst. Any other state (idle,
// aborted) rejects.
func (m *Machine) AcceptsPrimary() bool {
	if m.State() == StatePrimary {
		return true
	}
	return m.Fire(EventPrimary) == nil
}

// AcceptsRepair implements the repair-stream analogue: repair packets are
// only consulted, and only accepted, during the bursting state (EventRepair
// is a StateBursting self-loop).
func (m *Machine) AcceptsRepair() bool {
	return m.Fire(EventRepair) == nil
}

// History returns the transition log, oldest first, for post-mortem
// inspection.
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, m.historyLen)
	start := (m.historyPos - m.historyLen + RingSize) % RingSize
	for i := 0; i < m.historyLen; i++ {
		out[i] = m.history[(start+i)%RingSize]
	}
	return out
}

func (m *Machine) record(event string, from, to string) {
	m.history[m.historyPos] = TransitionRecord{Event: event, From: from, To: to}
	m.historyPos = (m.historyPos + 1) % RingSize
	if m.historyLen < RingSize {
		m.historyLen++
	}
}
