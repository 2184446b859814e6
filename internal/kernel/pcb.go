// Package kernel is the single-CPU process/scheduler/IPC/syscall core
// (spec.md §§3–5, C5–C13). Nothing in gokvm implements a process table or
// scheduler of its own, so this package's logic is new domain code; its Go
// idiom (fixed-capacity slab + index-based links instead of pointer
// graphs, a single mutex standing in for "interrupts masked") is grounded
// on the bounded-slice-as-table pattern gokvm already uses for its own
// fixed collections (Machine.vcpuFds, Memory.Slots) and on spec.md §9's
// explicit re-architecture notes.
package kernel

import (
	"fmt"

	"github.com/nanokernel/nanokernel/internal/vmem"
)

// ProcessState is the tagged enum spec.md §9 calls for in place of a
// duck-typed fork/exec/wait state machine.
type ProcessState int

const (
	StateFree ProcessState = iota // slot not in use
	StateCreated
	StateReady
	StateRunning
	StateBlocked
	StateZombie
	StateDead
)

func (s ProcessState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateCreated:
		return "CREATED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateZombie:
		return "ZOMBIE"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// BlockReason is why a BLOCKED PCB is off the ready queue (spec.md §3).
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockIPCRecv
	BlockIPCSend
	BlockTimer
	BlockIO
	BlockWaitChild
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "NONE"
	case BlockIPCRecv:
		return "IPC_RECV"
	case BlockIPCSend:
		return "IPC_SEND"
	case BlockTimer:
		return "TIMER"
	case BlockIO:
		return "IO"
	case BlockWaitChild:
		return "WAIT_CHILD"
	default:
		return fmt.Sprintf("BlockReason(%d)", int(r))
	}
}

// Well-known pids assigned by the server-spawn bootstrap (spec.md §4.12).
const (
	PidInit    = 1
	PidVFS     = 2
	PidProcMgr = 3
	PidMemMgr  = 4
)

// NoPid means "no pid" / "ANY" depending on context (0 in spec.md §3's
// "pid being waited on (0 = ANY)").
const NoPid = 0

// Context is the saved CPU register set (spec.md §3: "full register set
// ... Pinned to an architecture-specific structure; distinct layouts for
// x86_64 vs. ARM64"). Both architectures' state is carried in one struct
// tagged by Arch, the Go-idiomatic reading of "pinned to an
// architecture-specific structure" without duplicating the PCB type
// itself per architecture.
type Arch int

const (
	ArchAMD64 Arch = iota
	ArchARM64
)

type Context struct {
	Arch Arch

	// x86_64
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RBP, RSP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
	CS, SS, DS, ES        uint16
	FS, GS                uint16
	PageTableBase         int // CR3 (frame number, see internal/vmem)

	// ARM64
	X               [31]uint64
	SP, PC, PSTATE  uint64
	TTBR0           int // frame number
}

// SignalFrame is pushed onto the user stack when a handler is invoked
// (spec.md §4.10); SigReturn restores Saved bit-exactly (spec.md §8's
// sigaction/sigreturn round-trip property).
type SignalFrame struct {
	Saved Context
	Sig   int
}

// Memory holds the stack bookkeeping spec.md §3 assigns to the PCB
// directly (as opposed to the full mapping list, which lives in the
// process's *vmem.AddressSpace).
type Memory struct {
	UserStackBase   uint64
	UserStackSize   uint64
	KernelStackBase uint64
	KernelStackSize uint64
	KernelStackTop  uint64
	Break           uint64 // program break, end of heap
}

// Scheduling is the priority/quantum bookkeeping of spec.md §3/§4.6.
type Scheduling struct {
	Priority     int
	QuantumStart uint64
	TicksUsed    uint64
}

// PCB is one live process's complete kernel record (spec.md §3).
type PCB struct {
	Pid  int
	Name string

	State       ProcessState
	BlockReason BlockReason
	WaitSource  int // pid being waited on for IPC_RECV/WAIT_CHILD; 0 = ANY

	Context Context
	Memory  Memory
	Sched   Scheduling

	// Space is this process's user-half mapping list, installed by Execve
	// and duplicated by Fork (internal/vmem.AddressSpace); nil for a PCB
	// that has never exec'd (the built-in servers, and any slot between
	// Table.Alloc and its first Execve).
	Space *vmem.AddressSpace

	FDs    *FDTable
	Signal *SignalState

	ParentPid     int
	Children      []int
	ExitStatus    int
	HasExited     bool
	HasBeenReaped bool

	PGID    int
	SID     int

	// IPC rendezvous bookkeeping (internal/kernel/ipc.go). RecvBuf is
	// where an in-flight receive should deliver its message; PendingMsg
	// is an in-flight send's not-yet-delivered payload; IsSendRec marks
	// a sender that should transition straight to IPC_RECV once its
	// send rendezvous completes (spec.md §4.9).
	RecvBuf       *Message
	PendingMsg    *Message
	IsSendRec     bool
	SendRecTarget int

	// sendWaitHead/Tail is the FIFO of PCBs blocked trying to send to
	// this PCB (only meaningful while this PCB is itself a receiver).
	//
	// queue linkage (spec.md §3 "queue linkage: next/prev pointers") —
	// encoded as slab indices rather than pointers, per spec.md §9;
	// shared by the scheduler's ready queues and the sendWait list above
	// (a PCB is never on both at once).
	sendWaitHead, sendWaitTail int
	next, prev                int

	// wake is signalled by Scheduler.Unblock for the benefit of
	// ParkUntilReady, used by the goroutine-driven servers Bootstrap
	// starts (internal/kernel/bootstrap.go) to sleep between a
	// WouldBlock receive and the next attempt instead of busy-polling.
	// Real vCPU-backed user processes never touch it: their "blocked"
	// state is instead just not being selected by Schedule.
	wake chan struct{}
}

func newPCB(pid int) *PCB {
	return &PCB{
		Pid:    pid,
		State:  StateFree,
		next:   -1,
		prev:   -1,
		wake:   make(chan struct{}, 1),
	}
}

// resetForReuse clears a reaped slot's transient state before it's handed
// back out by Alloc, leaving Pid/next/prev for the table to manage.
func (p *PCB) resetForReuse() {
	pid := p.Pid
	*p = *newPCB(pid)
}
