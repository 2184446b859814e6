package main

import (
	"bufio"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nanokernel/nanokernel/internal/bootinfo"
	"github.com/nanokernel/nanokernel/internal/hal"
	"github.com/nanokernel/nanokernel/internal/hal/trap"
	"github.com/nanokernel/nanokernel/internal/kernel"
	kelf "github.com/nanokernel/nanokernel/internal/kernel/elf"
	"github.com/nanokernel/nanokernel/internal/kvmreal"
	"github.com/nanokernel/nanokernel/internal/pmm"
	"github.com/nanokernel/nanokernel/internal/vmem"
)

var bootArgs struct {
	device   string
	init     string
	memSize  string
	cmdline  string
	maxProcs int
	tickHz   uint64
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the kernel against real KVM, loading and running an init ELF binary.",
	RunE:  runBoot,
}

func init() {
	f := bootCmd.Flags()
	f.StringVarP(&bootArgs.device, "device", "D", "/dev/kvm", "path of kvm device")
	f.StringVarP(&bootArgs.init, "init", "i", "", "path to the static ELF64 binary run as init (pid 1)")
	f.StringVarP(&bootArgs.memSize, "mem", "m", "256M", "guest-physical memory size, num[gGmMkK]")
	f.StringVarP(&bootArgs.cmdline, "cmdline", "p", "tick=auto", "kernel command-line parameters")
	f.IntVar(&bootArgs.maxProcs, "max-procs", 64, "PCB table capacity")
	f.Uint64Var(&bootArgs.tickHz, "tick-hz", 100, "preemption timer frequency")

	_ = bootCmd.MarkFlagRequired("init")
}

// Boot-time guest-physical layout (spec.md §4.1's "Initialize early
// console and timer" / §4.4's page-table setup), all addresses chosen so
// they sit inside the 16 MiB this build reserves ahead of internal/pmm's
// zones (see reserveLowMemory): identity-map page tables at 0x1000
// (6 pages, per internal/vmem.BuildIdentityMap), init's stack just below
// the 16 MiB boundary.
const (
	pageTableBase = 0x1000
	reservedBytes = 16 << 20
	initStackSize = 1 << 20

	// ioSyscallPort is the software syscall convention this build uses in
	// place of a real IDT/STAR-MSR fast-syscall gate (spec.md §4.8): a
	// dedicated I/O port, chosen because KVM always vmexits reliably on
	// port I/O without requiring guest-side interrupt/trap-gate setup
	// this build has no assembler to hand-construct. Callers place the
	// syscall number in RAX and arguments in RDI/RSI/RDX/R10/R8/R9 per
	// spec.md §6's ABI, then `out dx, al` to this port; the return value
	// comes back in RAX.
	ioSyscallPort = 0x500
)

func runBoot(cmd *cobra.Command, args []string) error {
	sessionID := uuid.New()
	log.WithField("session", sessionID).Info("nanokernel boot")

	info := &bootinfo.Info{CommandLine: bootArgs.cmdline}
	if err := info.ParseCommandLine(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	log.WithField("tick", info.Tick).Info("tick source resolved (software timer used regardless, no real APIC/HPET bring-up in this build)")

	memSize, err := parseSize(bootArgs.memSize, "m")
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	elfBytes, err := os.ReadFile(bootArgs.init)
	if err != nil {
		return fmt.Errorf("boot: reading init: %w", err)
	}

	vm, err := kvmreal.Open(bootArgs.device, memSize)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	cr3, err := vmem.BuildIdentityMap(vm.Mem(), pageTableBase)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	intr := hal.NewKVMInterruptController(vm, 4)
	timer := hal.NewSoftwareTimer(intr, 0)
	console := hal.NewSerial16550(intr)
	backend := &hal.Backend{
		Console: console,
		Intr:    intr,
		Timer:   timer,
		TickSrc: "software",
	}

	if err := timer.ArmPeriodic(bootArgs.tickHz); err != nil {
		return fmt.Errorf("boot: arming timer: %w", err)
	}
	defer timer.Stop()

	mem := newAllocator(memSize)
	k := kernel.New(bootArgs.maxProcs, mem)

	if err := k.Bootstrap(serverLoop("vfs"), serverLoop("procmgr"), serverLoop("memmgr"), nil); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	init, err := k.Table.Lookup(kernel.PidInit)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	stackTop := uint64(reservedBytes)
	init.Memory.UserStackSize = initStackSize
	init.Memory.UserStackBase = stackTop - initStackSize

	as := vmem.New(int(cr3 / pmm.PageSize))

	mapSegment := func(seg kelf.Segment) error {
		return copySegment(vm.Mem(), as, seg)
	}
	mapStack := func(sp uint64, image []byte) error {
		return copyStack(vm.Mem(), sp, image)
	}

	crit := k.EnterCritical()
	err = k.Execve(init, as, elfBytes, []string{bootArgs.init}, nil, elf.EM_X86_64, mapSegment, mapStack)
	crit.Exit()

	if err != nil {
		return fmt.Errorf("boot: execve init: %w", err)
	}

	if err := vm.EnterLongMode(init.Context.RIP, init.Context.RSP, cr3); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	detachConsole := attachConsole(ctx, console)
	defer detachConsole()

	return runLoop(ctx, k, vm, backend)
}

// attachConsole puts the host terminal into raw mode (so the guest's
// Serial16550 sees every keystroke unbuffered, with no host-side line
// editing or echo, matching a real serial line) and copies stdin bytes
// into it, the same handoff gokvm's own vmm.Boot does with its hand-rolled
// term package (term/term.go, SetRawMode); here it is golang.org/x/term
// doing the raw-mode dance instead. Returns a no-op if stdin is not a
// terminal (e.g. piped input, CI) rather than failing boot outright.
func attachConsole(ctx context.Context, console *hal.Serial16550) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Warn("stdin is not a terminal, guest console will not receive input")

		return func() {}
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.WithError(err).Warn("putting terminal into raw mode")

		return func() {}
	}

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				return
			}

			if err := console.Feed(b); err != nil {
				log.WithError(err).Warn("feeding console input")

				return
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return func() {
		_ = term.Restore(fd, oldState)
	}
}

// newAllocator builds internal/pmm over memSize bytes of guest-physical
// RAM, carving the low reservedBytes out of ZoneDMA before returning so
// the page tables, init's image, and its stack (all placed there by
// runBoot) are never handed out again by AllocPages (spec.md §4.3's zone
// split, generalized here to also model "the kernel's own boot image is
// excluded from the free lists it seeds").
func newAllocator(memSize int) *pmm.Allocator {
	totalFrames := memSize / pmm.PageSize
	reservedFrames := reservedBytes / pmm.PageSize

	a := pmm.New(totalFrames, reservedFrames, totalFrames)

	for remaining := reservedFrames; remaining > 0; {
		order := pmm.MaxOrder
		for (1 << uint(order)) > remaining {
			order--
		}

		if _, err := a.AllocPages(order, pmm.ZoneDMA); err != nil {
			log.WithError(err).Fatal("boot: reserving boot image frames")
		}

		remaining -= 1 << uint(order)
	}

	return a
}

// copySegment writes one PT_LOAD segment's file bytes and zero-filled BSS
// tail directly into guest-physical memory at its link address (spec.md
// §4.11), the identity-mapped build's stand-in for allocating frames and
// installing page-table entries per segment, and registers the mapping in
// space for Fork's copy-on-exec bookkeeping (internal/vmem.AddressSpace).
func copySegment(guestMem []byte, space *vmem.AddressSpace, seg kelf.Segment) error {
	end := seg.VAddr + seg.MemSize
	if end > uint64(len(guestMem)) || end < seg.VAddr {
		return fmt.Errorf("boot: segment [%#x,%#x) exceeds guest memory", seg.VAddr, end)
	}

	n := copy(guestMem[seg.VAddr:], seg.Data)
	for i := seg.VAddr + uint64(n); i < end; i++ {
		guestMem[i] = 0
	}

	perm := vmem.PermUser
	if seg.Read {
		perm |= vmem.PermRead
	}
	if seg.Write {
		perm |= vmem.PermWrite
	}
	if seg.Exec {
		perm |= vmem.PermExec
	}

	return space.Map(vmem.Region{Name: "load", Start: seg.VAddr, Size: seg.MemSize, Perm: perm})
}

// copyStack writes the argv/envp stack image built by
// internal/kernel/elf.BuildInitialStack to [sp, sp+len(image)) in guest
// memory (spec.md §4.11).
func copyStack(guestMem []byte, sp uint64, image []byte) error {
	end := sp + uint64(len(image))
	if end > uint64(len(guestMem)) || end < sp {
		return fmt.Errorf("boot: stack image exceeds guest memory")
	}

	copy(guestMem[sp:], image)

	return nil
}

// serverLoop builds a ServerEntry that repeatedly receives from ANY
// sender and immediately replies with an empty, successful message
// (spec.md §4.12's minimal built-in servers — this build carries no real
// filesystem, process-manager, or memory-manager policy behind VFS/
// ProcMgr/MemMgr, matching spec.md §1's Non-goal that only the mechanism,
// not the server policies, is in scope).
func serverLoop(name string) kernel.ServerEntry {
	return func(k *kernel.Kernel, self *kernel.PCB) {
		for {
			var msg kernel.Message

			crit := k.EnterCritical()
			err := k.Receive(self, 0, &msg)
			crit.Exit()

			if err == kernel.ErrWouldBlock {
				// Receive already parked self in RecvBuf; once it wakes,
				// the rendezvous has delivered the message straight into
				// msg (internal/kernel/ipc.go's completeRendezvous), so
				// there is no second Receive call to make.
				k.ParkUntilReady(self)
			} else if err != nil {
				log.WithField("server", name).WithError(err).Warn("receive failed")

				return
			}

			reply := kernel.Message{SrcPid: self.Pid, Type: msg.Type}

			crit = k.EnterCritical()
			_ = k.Send(self, msg.SrcPid, reply)
			crit.Exit()
		}
	}
}

// runLoop drives the single vCPU through repeated KVM_RUN calls (spec.md
// §4.1/§4.7), dispatching port I/O to the console, exceptions through
// internal/hal/trap's syscall/fault classification, and timer ticks into
// the scheduler's preemption path (spec.md §4.6/§4.7) — the userspace
// equivalent of the interrupt/trap/timer entry points a real kernel's
// assembly stubs would hand off to. Grounded on gokvm's
// Machine.RunInfiniteLoop/RunOnce (machine/machine.go), reworked from "one
// fixed Linux guest, exits mean device emulation only" to "the vCPU IS a
// process's CPU time slice, and exits mean syscalls/faults/preemption
// too."
func runLoop(ctx context.Context, k *kernel.Kernel, vm *kvmreal.VM, backend *hal.Backend) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := vm.RunDataPtr()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := vm.Run(); err != nil {
			return fmt.Errorf("boot: KVM_RUN: %w", err)
		}

		switch run.ExitReason {
		case kvmreal.ExitHLT:
			select {
			case <-backend.Timer.Ticks():
				onTick(k)
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}

		case kvmreal.ExitIO:
			if err := handleIO(k, vm, backend.Console); err != nil {
				return err
			}

		case kvmreal.ExitException:
			if err := handleException(k, vm); err != nil {
				return err
			}

		case kvmreal.ExitShutdown, kvmreal.ExitFailEntry, kvmreal.ExitInternalError:
			return fmt.Errorf("boot: fatal vmexit reason %d", run.ExitReason)

		case kvmreal.ExitIntr, kvmreal.ExitUnknown:
			// spurious host-signal wakeups and benign unknown exits;
			// re-enter KVM_RUN (gokvm's RunOnce treats these the same way).

		default:
		}

		// Opportunistically account any tick that arrived while the
		// vCPU was running a non-HLT exit (a busy guest that never
		// halts still must be preempted, spec.md §4.7); HLT's own
		// select above is the primary path.
		select {
		case <-backend.Timer.Ticks():
			onTick(k)
		default:
		}
	}
}

// onTick accounts one timer interrupt against the running process through
// Scheduler.Tick (spec.md §4.7). It ignores Tick's context-switch result:
// the vCPU's registers are neither saved into the old PCB nor loaded from
// the newly picked one.
func onTick(k *kernel.Kernel) {
	crit := k.EnterCritical()
	k.Sched.Tick()
	crit.Exit()
}

// handleIO services one KVM_EXIT_IO, either as console port I/O or as
// this build's syscall trap port (spec.md §4.8).
func handleIO(k *kernel.Kernel, vm *kvmreal.VM, console hal.Console) error {
	run := vm.RunDataPtr()
	direction, size, port, count, offset := run.IO()
	data := run.IOBytes(size, offset)

	if port == ioSyscallPort {
		return handleSyscall(k, vm)
	}

	for i := uint64(0); i < count; i++ {
		var err error
		if direction == kvmreal.ExitIODirIn {
			err = console.In(port, data)
		} else {
			err = console.Out(port, data)
		}

		if err != nil {
			return fmt.Errorf("boot: console io: %w", err)
		}
	}

	return nil
}

// handleSyscall decodes the SysV syscall ABI out of the vCPU's general
// registers, dispatches through internal/kernel's syscall table, and
// writes the result back to RAX (spec.md §4.8, §6).
func handleSyscall(k *kernel.Kernel, vm *kvmreal.VM) error {
	regs, err := vm.GetRegs()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	p, err := k.Table.Lookup(k.Sched.CurrentPid())
	if err != nil {
		// No current process means the idle loop issued a port write it
		// has no business making; ignore rather than crash the host.
		return nil
	}

	a := kernel.Args{A0: regs.RDI, A1: regs.RSI, A2: regs.RDX, A3: regs.R10, A4: regs.R8, A5: regs.R9}
	mem := kernel.UserMemory{Mem: vm.Mem(), KernelBase: reservedBytes}

	crit := k.EnterCritical()
	ret := k.Dispatch(p, int(regs.RAX), a, mem)
	crit.Exit()

	regs.RAX = uint64(ret)

	return vm.SetRegs(regs)
}

// handleException classifies a genuine CPU exception via internal/hal/trap
// and turns it into the corresponding signal on the faulting process
// (spec.md §4.10: "hardware exceptions ... turned into
// SIGFPE/SIGSEGV/SIGILL"). Reachable only if KVM ever reports
// KVM_EXIT_EXCEPTION for this guest (real x86_64 hardware normally
// triple-faults to KVM_EXIT_SHUTDOWN absent a guest-installed IDT, which
// this build deliberately never installs, see ioSyscallPort's doc
// comment); kept so a future IDT/trap-gate bring-up has somewhere to
// plug in, and exercised directly by internal/hal/trap's own tests.
func handleException(k *kernel.Kernel, vm *kvmreal.VM) error {
	regs, err := vm.GetRegs()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	p, err := k.Table.Lookup(k.Sched.CurrentPid())
	if err != nil {
		return nil
	}

	end := regs.RIP + 16
	if end > uint64(len(vm.Mem())) {
		end = uint64(len(vm.Mem()))
	}

	inst, err := trap.Decode(vm.Mem()[regs.RIP:end])
	if err != nil {
		log.WithError(err).Warn("boot: decoding faulting instruction")

		crit := k.EnterCritical()
		k.RaiseFault(p, trap.SIGSEGV)
		crit.Exit()

		return nil
	}

	// kvm_run's exception exit data starts with the u32 vector number.
	vector := trap.Vector(uint32(vm.RunDataPtr().Data[0]))

	kind, sig := trap.Classify(vector, inst)
	if kind == trap.KindSyscall {
		return handleSyscall(k, vm)
	}

	crit := k.EnterCritical()
	k.RaiseFault(p, sig)
	crit.Exit()

	return nil
}
