// Package trap classifies a vCPU exception vmexit into either a fast
// syscall entry or a user-mode fault requiring signal delivery (spec.md
// §4.8 "the architecture's fast syscall mechanism ... syscall/sysret using
// STAR/LSTAR/FMASK MSRs", §4.10/§4.11 "user-mode faults ... translated
// into the corresponding signal"). Grounded on gokvm's machine.Inst/Asm
// (machine/debug_amd64.go), which decodes the instruction at RIP with
// golang.org/x/arch/x86/x86asm for debug printing; here the same decode is
// used to distinguish a deliberate `syscall` instruction (left undecoded
// by a guest with no STAR/LSTAR programmed, so it vmexits as a #UD) from a
// genuine illegal-opcode fault, instead of only printing it.
package trap

import (
	"golang.org/x/arch/x86/x86asm"
)

// Vector is an x86 exception vector number, as reported by KVM_EXIT_EXCEPTION
// (RunData.Data, per the teacher's own IO()-style decode of that union).
type Vector uint32

const (
	VectorDE Vector = 0  // divide error
	VectorDB Vector = 1  // debug
	VectorBP Vector = 3  // breakpoint
	VectorUD Vector = 6  // invalid opcode
	VectorGP Vector = 13 // general protection
	VectorPF Vector = 14 // page fault
)

// Kind is what a trapped vmexit turns out to be once classified.
type Kind int

const (
	KindFault Kind = iota
	KindSyscall
	KindBreakpoint
)

// Signal numbers this package maps faults onto (spec.md §6's POSIX subset);
// duplicated here rather than imported from internal/kernel to keep trap
// free of a dependency on the process/signal package it feeds.
const (
	SIGILL  = 4
	SIGTRAP = 5
	SIGFPE  = 8
	SIGSEGV = 11
)

// Decode disassembles the single instruction at the start of code (which
// the caller reads out of guest memory at RIP), exactly the shape of
// gokvm's Machine.Inst.
func Decode(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}

// Classify turns an exception vector plus the decoded faulting instruction
// into a Kind and, for KindFault, the signal number spec.md §4.10/§7
// requires the kernel deliver to the offending process. A vector-6 (#UD)
// exit whose instruction decodes as the two-byte SYSCALL opcode is treated
// as a deliberate fast-syscall entry rather than SIGILL, since this build's
// guest ELF images use `syscall` as their trap instruction without ever
// programming STAR/LSTAR/FMASK (spec.md §4.8) — the host is what would
// otherwise own those MSRs, and it intercepts the resulting #UD instead.
func Classify(vector Vector, inst x86asm.Inst) (kind Kind, signal int) {
	if vector == VectorUD && inst.Op == x86asm.SYSCALL {
		return KindSyscall, 0
	}

	switch vector {
	case VectorDE:
		return KindFault, SIGFPE
	case VectorUD:
		return KindFault, SIGILL
	case VectorGP, VectorPF:
		return KindFault, SIGSEGV
	case VectorDB, VectorBP:
		return KindBreakpoint, SIGTRAP
	default:
		return KindFault, SIGSEGV
	}
}

// Asm renders inst the way gokvm's machine.Asm does, for panic/trace
// diagnostics (DumpProcesses / Kernel.Panic callers that want to show the
// faulting instruction).
func Asm(inst x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(inst, pc, nil)
}
