package kernel

import (
	"errors"
	"fmt"
)

// ErrNoFreeSlot is returned by Alloc when every PCB slot is in use
// (spec.md §4.11: fork with no free PCB slot fails with EAGAIN).
var ErrNoFreeSlot = errors.New("kernel: no free PCB slot")

// ErrNoSuchProcess is returned by Lookup for an unknown pid.
var ErrNoSuchProcess = errors.New("kernel: no such process")

// Table is the fixed-capacity PCB slab of spec.md §4.5. Slot 0 is never
// used; pid N lives in slot N so that pid and slot index coincide, the
// simplest "stable identity" encoding satisfying spec.md §9.
type Table struct {
	slots    []*PCB
	nextScan int
}

// NewTable builds a table with room for capacity live processes (pids
// 1..capacity).
func NewTable(capacity int) *Table {
	slots := make([]*PCB, capacity+1)
	for pid := 1; pid <= capacity; pid++ {
		slots[pid] = newPCB(pid)
	}

	return &Table{slots: slots, nextScan: 1}
}

// Alloc scans for a FREE slot, marks it CREATED, and returns its PCB
// (spec.md §4.5: "scan for a FREE slot, mark CREATED").
func (t *Table) Alloc(name string, priority int) (*PCB, error) {
	n := len(t.slots) - 1

	for i := 0; i < n; i++ {
		pid := 1 + (t.nextScan-1+i)%n
		p := t.slots[pid]

		if p.State == StateFree {
			p.resetForReuse()
			p.Name = name
			p.State = StateCreated
			p.Sched.Priority = priority
			t.nextScan = pid%n + 1

			return p, nil
		}
	}

	return nil, ErrNoFreeSlot
}

// AllocPid allocates the specific pid (used only by the server-spawn
// bootstrap for the well-known pids 1-4, spec.md §4.12).
func (t *Table) AllocPid(pid int, name string, priority int) (*PCB, error) {
	if pid <= 0 || pid >= len(t.slots) {
		return nil, fmt.Errorf("%w: pid=%d", ErrNoSuchProcess, pid)
	}

	p := t.slots[pid]
	if p.State != StateFree {
		return nil, fmt.Errorf("kernel: pid %d already in use (state=%s)", pid, p.State)
	}

	p.resetForReuse()
	p.Name = name
	p.State = StateCreated
	p.Sched.Priority = priority

	return p, nil
}

// Lookup returns the PCB for pid, if live (any state other than FREE).
func (t *Table) Lookup(pid int) (*PCB, error) {
	if pid <= 0 || pid >= len(t.slots) {
		return nil, fmt.Errorf("%w: pid=%d", ErrNoSuchProcess, pid)
	}

	p := t.slots[pid]
	if p.State == StateFree {
		return nil, fmt.Errorf("%w: pid=%d", ErrNoSuchProcess, pid)
	}

	return p, nil
}

// Free transitions a ZOMBIE PCB to DEAD and releases its slot back to
// FREE (spec.md §3: "DEAD frees the slot"), called by wait/waitpid once
// the parent has observed the exit status.
func (t *Table) Free(pid int) error {
	p, err := t.Lookup(pid)
	if err != nil {
		return err
	}

	if p.State != StateZombie {
		return fmt.Errorf("kernel: cannot free pid %d in state %s, want ZOMBIE", pid, p.State)
	}

	p.HasBeenReaped = true
	p.State = StateDead
	p.State = StateFree

	return nil
}

// Reparent walks every live PCB and reassigns children of deadPid to
// PidInit (spec.md §4.5/§4.11's orphan reparenting, scenario S5).
func (t *Table) Reparent(deadPid int) {
	for pid := 1; pid < len(t.slots); pid++ {
		p := t.slots[pid]
		if p.State == StateFree || p.ParentPid != deadPid {
			continue
		}

		p.ParentPid = PidInit

		if init := t.slots[PidInit]; init.State != StateFree {
			init.Children = append(init.Children, pid)
		}
	}
}

// Each calls fn for every non-FREE PCB, in ascending pid order — used by
// the ps-style dump (internal/kernel/procdump.go) and by invariant checks.
func (t *Table) Each(fn func(*PCB)) {
	for pid := 1; pid < len(t.slots); pid++ {
		if p := t.slots[pid]; p.State != StateFree {
			fn(p)
		}
	}
}

// Capacity is the total number of PCB slots (pid 1..Capacity).
func (t *Table) Capacity() int { return len(t.slots) - 1 }
