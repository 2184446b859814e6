package kernel

import "fmt"

// NumPriorities is the number of priority levels (spec.md §3: "priority
// level (0 highest … N lowest)"); 8 gives room for a couple of system
// priorities above the default user level without spec.md mandating a
// specific count.
const NumPriorities = 8

// DefaultPriority is where Table.Alloc puts a process unless told
// otherwise (spec.md §4.5: "initial priority inherited from caller unless
// overridden").
const DefaultPriority = NumPriorities / 2

// DefaultQuantum is the tick budget for every priority level absent a
// per-level override (spec.md §4.7).
const DefaultQuantum = 5

// readyQueue is an intrusive FIFO over PCB.next/prev (spec.md §9: "queues
// are intrusive doubly-linked lists encoded as index fields within the
// PCB"), one per priority level.
type readyQueue struct {
	head, tail int // pids; 0 means empty
}

// Scheduler implements spec.md §4.6's priority round-robin policy over a
// Table. When every ready queue is empty (spec.md §4.6: "no ready
// process ⇒ run an idle loop that halts the CPU until the next
// interrupt") there is no idle PCB: idle is represented by
// CurrentPid()==0, and the caller (internal/hal-driven run
// loop) is expected to execute a halt instruction itself.
type Scheduler struct {
	table   *Table
	queues  [NumPriorities]readyQueue
	quantum [NumPriorities]uint64
	current int // pid, 0 = idle
	ticks   uint64
}

func NewScheduler(t *Table) *Scheduler {
	s := &Scheduler{table: t}
	for i := range s.quantum {
		s.quantum[i] = DefaultQuantum
	}

	return s
}

// SetQuantum overrides the per-priority tick budget (spec.md §4.7:
// "each priority level has a quantum measured in ticks").
func (s *Scheduler) SetQuantum(priority int, ticks uint64) {
	if priority >= 0 && priority < NumPriorities {
		s.quantum[priority] = ticks
	}
}

func (s *Scheduler) enqueue(p *PCB) {
	q := &s.queues[p.Sched.Priority]
	p.next, p.prev = 0, q.tail

	if q.tail == 0 {
		q.head = p.Pid
	} else {
		s.table.slots[q.tail].next = p.Pid
	}

	q.tail = p.Pid
}

func (s *Scheduler) dequeueHead(priority int) int {
	q := &s.queues[priority]
	if q.head == 0 {
		return 0
	}

	pid := q.head
	p := s.table.slots[pid]
	q.head = p.next

	if q.head == 0 {
		q.tail = 0
	} else {
		s.table.slots[q.head].prev = 0
	}

	p.next, p.prev = -1, -1

	return pid
}

// MakeReady enqueues a CREATED or newly-forked PCB onto its priority
// queue for the first time.
func (s *Scheduler) MakeReady(p *PCB) {
	p.State = StateReady
	s.enqueue(p)
}

// CurrentPid returns the pid of the RUNNING process, or 0 if idle.
func (s *Scheduler) CurrentPid() int { return s.current }

// Ticks returns the number of timer ticks observed so far.
func (s *Scheduler) Ticks() uint64 { return s.ticks }

// Schedule picks the next process to run (spec.md §4.6). It does not
// touch the previously-current PCB's state or queue placement — callers
// (BlockPCB, Tick, Yield) are responsible for that before calling Schedule, per
// spec.md §4.6's description of block/unblock/quantum-expiry each doing
// their own queue manipulation before re-entering the scheduler.
func (s *Scheduler) Schedule() {
	for priority := 0; priority < NumPriorities; priority++ {
		if pid := s.dequeueHead(priority); pid != 0 {
			p := s.table.slots[pid]
			p.State = StateRunning
			p.Sched.QuantumStart = s.ticks
			p.Sched.TicksUsed = 0
			s.current = pid

			return
		}
	}

	s.current = 0
}

// Block removes the current process from RUNNING, marks it BLOCKED with
// the given reason, and re-enters the scheduler (spec.md §4.6).
func (s *Scheduler) Block(reason BlockReason, waitSource int) error {
	if s.current == 0 {
		return fmt.Errorf("kernel: cannot block the idle pseudo-process")
	}

	s.BlockPCB(s.table.slots[s.current], reason, waitSource)

	return nil
}

// BlockPCB marks an arbitrary PCB BLOCKED with the given reason (used by
// internal/kernel/ipc.go, where the blocking process is identified
// directly rather than via CurrentPid). If p is the RUNNING process this
// also re-enters the scheduler, matching Block's contract.
func (s *Scheduler) BlockPCB(p *PCB, reason BlockReason, waitSource int) {
	p.State = StateBlocked
	p.BlockReason = reason
	p.WaitSource = waitSource

	if p.Pid == s.current {
		s.Schedule()
	}
}

// Unblock transitions pcb from BLOCKED to READY and enqueues it at the
// tail of its priority queue; it does not preempt the current process
// (spec.md §4.6: "does not preempt immediately").
func (s *Scheduler) Unblock(p *PCB) error {
	if p.State != StateBlocked {
		return fmt.Errorf("kernel: Unblock: pid %d is %s, not BLOCKED", p.Pid, p.State)
	}

	p.State = StateReady
	p.BlockReason = BlockNone
	p.WaitSource = 0
	s.enqueue(p)

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return nil
}

// Tick accounts one timer interrupt against the RUNNING process (spec.md
// §4.7) and, on quantum expiry, rotates it to the tail of its own queue
// and re-enters the scheduler. Returns true if a context switch occurred
// (the caller must then perform the architecture-level register swap).
func (s *Scheduler) Tick() bool {
	s.ticks++

	if s.current == 0 {
		s.Schedule()

		return s.current != 0
	}

	p := s.table.slots[s.current]
	p.Sched.TicksUsed++

	if p.Sched.TicksUsed < s.quantum[p.Sched.Priority] {
		return false
	}

	prev := s.current
	p.State = StateReady
	s.enqueue(p)
	s.Schedule()

	return s.current != prev
}

// Yield voluntarily rotates the current process to the tail of its queue
// without waiting for quantum expiry.
func (s *Scheduler) Yield() {
	if s.current == 0 {
		return
	}

	p := s.table.slots[s.current]
	p.State = StateReady
	s.enqueue(p)
	s.Schedule()
}
