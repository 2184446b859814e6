// Kernel panic path (spec.md §7 category 3/4: kernel-invariant
// violations and boot hardware failures are FATAL — log to the serial
// console and halt, no automatic reboot). Grounded on gokvm's own
// log.Printf-to-console diagnostic style (machine/machine.go,
// vmm/vmm.go), generalized to a single non-unwinding panic routine per
// spec.md §9's "a single kernel-panic routine that writes to the serial
// console and halts; panic calls do not unwind."
package kernel

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// Halter is whatever can actually stop the CPU (internal/hal's
// real/software backend); Panic calls it last, after the diagnostic is
// written, and never returns.
type Halter interface {
	Halt()
}

// PanicInfo is the postmortem dump attached to a FATAL kernel panic.
type PanicInfo struct {
	Reason  string
	Current *PCB
	Ticks   uint64
}

// Panic writes a structured diagnostic to log (the serial-console
// logger) using go-spew for the full PCB dump, then halts via h. It
// never returns — matching spec.md §9's "panic calls do not unwind."
func (k *Kernel) Panic(log *logrus.Logger, h Halter, reason string) {
	var current *PCB
	if k.Sched.current != 0 {
		current = k.Table.slots[k.Sched.current]
	}

	info := PanicInfo{Reason: reason, Current: current, Ticks: k.Sched.Ticks()}

	log.WithFields(logrus.Fields{
		"ticks":   info.Ticks,
		"current": currentPidString(current),
	}).Error("KERNEL PANIC: " + reason)

	log.Error(spew.Sdump(info))

	h.Halt()

	select {} // Halt is expected to stop the (v)CPU; this is the fallback if it returns.
}

func currentPidString(p *PCB) string {
	if p == nil {
		return "<idle>"
	}

	return p.Name
}

// CheckInvariant panics with a descriptive message if cond is false — the
// idiomatic call site for spec.md §8's universal invariants (e.g. "every
// FREE frame has refcount 0") when checked defensively inside the
// kernel rather than only in tests.
func (k *Kernel) CheckInvariant(log *logrus.Logger, h Halter, cond bool, msg string) {
	if !cond {
		k.Panic(log, h, msg)
	}
}
