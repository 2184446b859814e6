// Package hal is the Hardware Abstraction Layer (spec.md §4.1): an early
// serial console, an interrupt controller (mask/unmask, EOI), and a
// one-shot/periodic timer with a monotonic clock read. The implementations
// are KVMInterruptController (interrupt.go, raising GSIs on the KVM VM's
// IRQ chip through internal/kvmreal), Serial16550 (console.go, grounded on
// gokvm's serial.Serial) and SoftwareTimer (timer.go, driven off a stdlib
// ticker). cmd/nanokernel wires them into a Backend; internal/kernel does
// not import this package.
package hal

// Console is the early serial console: a single-writer byte stream plus
// raw 16550 port I/O, matching gokvm's serial.Serial contract
// (serial/serial.go) generalized into an interface.
type Console interface {
	// In services a port read (KVM_EXIT_IO direction=IN) into data.
	In(port uint64, data []byte) error
	// Out services a port write (KVM_EXIT_IO direction=OUT) from data.
	Out(port uint64, data []byte) error
	// InputChan is the channel a terminal front-end (cmd/nanokernel) feeds
	// keystrokes into. Bytes are passed through as typed: Ctrl-C/Ctrl-Z
	// reach this channel as plain 0x03/0x1a bytes and raise no signal.
	InputChan() chan<- byte
}

// InterruptController is the LAPIC+IOAPIC (x86_64) or GIC (ARM64)
// abstraction (spec.md §4.1).
type InterruptController interface {
	// Notify raises (level=1) or lowers (level=0) the given GSI.
	Notify(irq uint32, level uint32) error
	// EOI acknowledges the interrupt currently being serviced.
	EOI() error
}

// Clock is the monotonic-time contract of spec.md §4.1: nanoseconds since
// boot, non-decreasing, never wrapping within the system's lifetime.
type Clock interface {
	MonotonicNanos() uint64
}

// Timer is a periodic tick source calibrated to a target frequency
// (spec.md §4.1, typically 100 Hz).
type Timer interface {
	Clock
	// ArmPeriodic (re)programs the timer to fire at freqHz, replacing any
	// previous program.
	ArmPeriodic(freqHz uint64) error
	// Ticks delivers one value (the new tick count) per period. The
	// receiver (internal/kernel's preemption driver, spec.md §4.7) treats
	// each value as a timer-interrupt entry: save context, EOI, account
	// quantum, call schedule().
	Ticks() <-chan uint64
	// Stop halts delivery; used only at shutdown/test teardown.
	Stop()
}

// Backend bundles the three HAL surfaces a machine boot produces, mirroring
// how gokvm's Machine owns its serial+PIC+PIT together (machine/machine.go).
type Backend struct {
	Console  Console
	Intr     InterruptController
	Timer    Timer
	TickSrc  string // "apic", "hpet", "arm", "software" -- for /probe diagnostics
}
