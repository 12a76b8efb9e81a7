package rcc

import "testing"

func TestMachineHappyPathToPrimary(t *testing.T) {
	m := New(nil)

	steps := []string{
		EventStartRCC, EventTimeToJoin, EventTimeToEnER, EventTimeEndBurst, EventPrimary,
	}
	for _, ev := range steps {
		if err := m.Fire(ev); err != nil {
			t.Fatalf("Fire(%s) from %s: %v", ev, m.State(), err)
		}
	}
	if m.State() != StatePrimary {
		t.Fatalf("State() = %s, want %s", m.State(), StatePrimary)
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := New(nil)
	if err := m.Fire(EventTimeEndBurst); err == nil {
		t.Fatal("expected TIME_END_BURST to be invalid from idle")
	}
	if m.State() != StateIdle {
		t.Fatalf("State() = %s, want unchanged %s", m.State(), StateIdle)
	}
}

func TestMachineAbortFromAnyBurstState(t *testing.T) {
	m := New(nil)
	m.Fire(EventStartRCC)
	m.Fire(EventTimeToJoin)
	if err := m.Fire(EventAbort); err != nil {
		t.Fatalf("Fire(ABORT): %v", err)
	}
	if m.State() != StateAborted {
		t.Fatalf("State() = %s, want %s", m.State(), StateAborted)
	}
}

func TestMachineActivityTimeoutFromPrimary(t *testing.T) {
	m := New(nil)
	for _, ev := range []string{EventStartRCC, EventTimeToJoin, EventTimeToEnER, EventTimeEndBurst, EventPrimary} {
		if err := m.Fire(ev); err != nil {
			t.Fatalf("Fire(%s): %v", ev, err)
		}
	}
	if err := m.Fire(EventActivityTimeout); err != nil {
		t.Fatalf("Fire(ACTIVITY_TIMEOUT): %v", err)
	}
	if m.State() != StateAborted {
		t.Fatalf("State() = %s, want %s", m.State(), StateAborted)
	}
}

func TestMachineHistoryRecordsTransitions(t *testing.T) {
	m := New(nil)
	m.Fire(EventStartRCC)
	m.Fire(EventTimeToJoin)

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(hist))
	}
	if hist[0].Event != EventStartRCC || hist[0].From != StateIdle || hist[0].To != StateJoining {
		t.Fatalf("unexpected first history record: %+v", hist[0])
	}
	if hist[1].Event != EventTimeToJoin || hist[1].To != StateEarlyRepair {
		t.Fatalf("unexpected second history record: %+v", hist[1])
	}
}

func TestMachineOnEnterCallbackInvoked(t *testing.T) {
	var got []string
	m := New(func(event string, from, to string) {
		got = append(got, event+":"+from+"->"+to)
	})
	m.Fire(EventStartRCC)
	if len(got) != 1 || got[0] != EventStartRCC+":"+StateIdle+"->"+StateJoining {
		t.Fatalf("onEnter callback recorded %v", got)
	}
}
