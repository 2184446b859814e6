package kernel

import (
	"sync"

	"github.com/nanokernel/nanokernel/internal/pmm"
)

// Critical is the capability value of spec.md §9's re-architecture note:
// "every accessor takes a capability value that represents 'interrupts
// are masked'. Construction of that capability is the only way to enter
// a critical section." A Critical can only be obtained from
// Kernel.EnterCritical and must be released with Exit; every kernel
// operation that mutates shared state (scheduler queues, PCB table, free
// lists — spec.md §5's shared-resource list) requires one.
type Critical struct {
	k *Kernel
}

// Exit releases the kernel's single lock, the Go stand-in for
// re-enabling interrupts at the end of a critical section.
func (c Critical) Exit() {
	c.k.mu.Unlock()
}

// Kernel is the singleton kernel-state value of spec.md §9, constructed
// once at boot: the PCB table, scheduler, and physical memory manager,
// guarded by one mutex standing in for "kernel code is non-preemptible;
// interrupts are masked in critical sections" (spec.md §5) on this
// single-CPU design.
type Kernel struct {
	mu    sync.Mutex
	Table *Table
	Sched *Scheduler
	PMM   *pmm.Allocator
}

// New builds a kernel with room for maxProcs PCB slots, backed by pmm for
// physical frames.
func New(maxProcs int, mem *pmm.Allocator) *Kernel {
	t := NewTable(maxProcs)

	return &Kernel{
		Table: t,
		Sched: NewScheduler(t),
		PMM:   mem,
	}
}

// EnterCritical acquires the kernel's lock and returns the capability
// proving it is held. The kernel operations in this package do not take
// the lock themselves: their callers (cmd/nanokernel, the tests) hold a
// Critical around each call, and ParkUntilReady takes it briefly itself.
func (k *Kernel) EnterCritical() Critical {
	k.mu.Lock()

	return Critical{k: k}
}
