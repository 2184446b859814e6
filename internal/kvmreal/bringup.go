package kvmreal

// Long-mode bring-up: the one-time vCPU register and segment setup that
// must happen before the first KVM_RUN can execute 64-bit code (spec.md
// §4.1's "Initialize ... IDT/GDT/TSS" and §4.4's page-table setup).
// Adapted from gokvm's Machine.initRegs/initSregs (machine/machine.go),
// generalized from "always boot a fixed Linux entry point with RSI=the
// fixed boot_param address" to "enter at any ELF64 entry point with any
// initial RSP", per spec.md §4.11's SysV stack contract.

// CR0/CR4/EFER bits this package needs; named the same way gokvm's
// machine/constants.go does (kept local since internal/kvmreal must not
// import the cmd-level machine package).
const (
	cr0PE = 1
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// EnterLongMode programs Regs (RIP/RFLAGS/RSP) and Sregs (CR0/CR3/CR4/EFER,
// flat 64-bit code/data segments) so the vCPU's first KVM_RUN begins
// executing 64-bit code at entry with stack pointer sp, using the page
// tables already built at cr3 (internal/vmem.BuildIdentityMap). This is the
// host-side equivalent of the boot loader's final jump into the kernel
// entry point (spec.md §2's "C1 initializes early console and timer").
func (vm *VM) EnterLongMode(entry, sp, cr3 uint64) error {
	regs, err := vm.GetRegs()
	if err != nil {
		return err
	}

	regs.RFLAGS = 2 // bit 1 always set, everything else clear
	regs.RIP = entry
	regs.RSP = sp

	if err := vm.SetRegs(regs); err != nil {
		return err
	}

	sregs, err := vm.GetSregs()
	if err != nil {
		return err
	}

	sregs.CR3 = cr3
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.EFER = eferLME | eferLMA

	code := Segment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Typ: 11, Present: 1, S: 1, L: 1, G: 1,
	}
	data := code
	data.Typ = 3
	data.Selector = 2 << 3

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	return vm.SetSregs(sregs)
}
