package kernel

import "testing"

func TestScheduleFIFOWithinPriority(t *testing.T) {
	tbl := NewTable(8)
	sched := NewScheduler(tbl)

	var pids []int
	for i := 0; i < 3; i++ {
		p, err := tbl.Alloc("p", DefaultPriority)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}

		sched.MakeReady(p)
		pids = append(pids, p.Pid)
	}

	for _, want := range pids {
		sched.Schedule()
		if sched.CurrentPid() != want {
			t.Fatalf("CurrentPid() = %d, want %d", sched.CurrentPid(), want)
		}

		// simulate quantum expiry rotating this pid to the tail
		p, _ := tbl.Lookup(want)
		p.State = StateReady
		sched.enqueue(p)
	}
}

func TestHigherPriorityPreferred(t *testing.T) {
	tbl := NewTable(8)
	sched := NewScheduler(tbl)

	low, _ := tbl.Alloc("low", 5)
	high, _ := tbl.Alloc("high", 1)

	sched.MakeReady(low)
	sched.MakeReady(high)

	sched.Schedule()
	if sched.CurrentPid() != high.Pid {
		t.Fatalf("CurrentPid() = %d, want high-priority pid %d", sched.CurrentPid(), high.Pid)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	tbl := NewTable(8)
	sched := NewScheduler(tbl)

	a, _ := tbl.Alloc("a", DefaultPriority)
	b, _ := tbl.Alloc("b", DefaultPriority)

	sched.MakeReady(a)
	sched.MakeReady(b)
	sched.Schedule() // a runs

	if err := sched.Block(BlockIO, 0); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if a.State != StateBlocked {
		t.Errorf("a.State = %s, want BLOCKED", a.State)
	}

	if sched.CurrentPid() != b.Pid {
		t.Errorf("CurrentPid() = %d, want %d", sched.CurrentPid(), b.Pid)
	}

	if err := sched.Unblock(a); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	if a.State != StateReady {
		t.Errorf("a.State = %s, want READY", a.State)
	}
}

func TestQuantumExpiryRotatesToTail(t *testing.T) {
	tbl := NewTable(8)
	sched := NewScheduler(tbl)
	sched.SetQuantum(DefaultPriority, 2)

	a, _ := tbl.Alloc("a", DefaultPriority)
	b, _ := tbl.Alloc("b", DefaultPriority)

	sched.MakeReady(a)
	sched.MakeReady(b)
	sched.Schedule() // a runs

	if sched.Tick() {
		t.Fatal("expected no switch on tick 1 (quantum=2)")
	}

	if !sched.Tick() {
		t.Fatal("expected a switch on tick 2 (quantum expired)")
	}

	if sched.CurrentPid() != b.Pid {
		t.Errorf("CurrentPid() = %d, want %d", sched.CurrentPid(), b.Pid)
	}
}

func TestIdleWhenNoReadyProcess(t *testing.T) {
	tbl := NewTable(4)
	sched := NewScheduler(tbl)

	sched.Schedule()
	if sched.CurrentPid() != 0 {
		t.Errorf("CurrentPid() = %d, want 0 (idle)", sched.CurrentPid())
	}
}

func TestPreemptionFairnessS4(t *testing.T) {
	tbl := NewTable(8)
	sched := NewScheduler(tbl)
	sched.SetQuantum(DefaultPriority, 1)

	a, _ := tbl.Alloc("a", DefaultPriority)
	b, _ := tbl.Alloc("b", DefaultPriority)
	sched.MakeReady(a)
	sched.MakeReady(b)
	sched.Schedule()

	ticksRun := map[int]uint64{a.Pid: 0, b.Pid: 0}

	const totalTicks = 100
	for i := 0; i < totalTicks; i++ {
		ticksRun[sched.CurrentPid()]++
		sched.Tick()
	}

	diff := int64(ticksRun[a.Pid]) - int64(ticksRun[b.Pid])
	if diff < -1 || diff > 1 {
		t.Errorf("tick split = %v, want within ±1 of even split", ticksRun)
	}
}
