// Server-spawn bootstrap (spec.md §4.12, C13).
package kernel

import "fmt"

// ServerEntry is a built-in server's entry point: a receive-ANY loop
// (spec.md §4.12: "each server enters a receive-ANY loop at its entry
// point"). In the Week-7/Week-10 realization this build follows (spec.md
// §4.12), servers run linked with the kernel image rather than as
// separate ELF binaries, so ServerEntry is an ordinary Go function
// registered at boot instead of a loaded executable.
type ServerEntry func(k *Kernel, self *PCB)

// Bootstrap creates the three built-in servers (VFS=2, ProcMgr=3,
// MemMgr=4) and the init process (pid 1) with well-known pids, per
// spec.md §4.12. Each non-nil entry function is launched as its own
// goroutine running a receive-ANY loop (k.Receive, looping on
// ErrWouldBlock via k.ParkUntilReady) — the Go stand-in for "servers run
// linked with the kernel image" rather than separate scheduled vCPUs.
// Pass a nil entry for a pid whose execution is instead driven directly
// by the caller (e.g. init, which a real boot loop typically replaces
// with a loaded ELF image via Execve before it ever calls Receive).
func (k *Kernel) Bootstrap(vfs, procMgr, memMgr, init ServerEntry) error {
	specs := []struct {
		pid   int
		name  string
		entry ServerEntry
	}{
		{PidVFS, "vfs", vfs},
		{PidProcMgr, "procmgr", procMgr},
		{PidMemMgr, "memmgr", memMgr},
		{PidInit, "init", init},
	}

	for _, s := range specs {
		p, err := k.Table.AllocPid(s.pid, s.name, DefaultPriority)
		if err != nil {
			return fmt.Errorf("kernel: bootstrap %s: %w", s.name, err)
		}

		p.FDs = NewFDTable(k)
		p.Signal = NewSignalState()
		p.ParentPid = PidInit
		p.PGID, p.SID = s.pid, s.pid

		k.Sched.MakeReady(p)

		if s.entry != nil {
			go s.entry(k, p)
		}
	}

	return nil
}
