package kvmreal

import "unsafe"

// Regs are the general-purpose registers for a vCPU, identical in layout to
// gokvm's kvm.Regs (kvm/registers.go): this IS the x86_64 half of the
// PCB's "saved CPU context" (spec.md §3).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor, as reported by KVM_GET_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDT/IDT pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the "special" registers: segment selectors, CR0-CR8, EFER,
// and the per-vCPU GDT/IDT bases that back spec.md §3's page-table-base and
// §4.1's IDT/GDT/TSS setup.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                        Descriptor
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [(numInterrupts + 63) / 64]uint64
}

// DebugRegs are the DR0-DR7 debug registers, as read by GetDebugRegs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

func (vm *VM) GetRegs() (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vm.vcpuFd, ior(nrGetRegsNr, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

func (vm *VM) SetRegs(regs *Regs) error {
	_, err := Ioctl(vm.vcpuFd, iow(nrSetRegsNr, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return err
}

func (vm *VM) GetSregs() (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vm.vcpuFd, ior(nrGetSregsNr, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

func (vm *VM) SetSregs(sregs *Sregs) error {
	_, err := Ioctl(vm.vcpuFd, iow(nrSetSregsNr, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return err
}

func (vm *VM) GetDebugRegs() (*DebugRegs, error) {
	dr := &DebugRegs{}
	_, err := Ioctl(vm.vcpuFd, ior(nrGetDebugRegsNr, unsafe.Sizeof(*dr)), uintptr(unsafe.Pointer(dr)))

	return dr, err
}

func (vm *VM) SetDebugRegs(dr *DebugRegs) error {
	_, err := Ioctl(vm.vcpuFd, iow(nrSetDebugRegsNr, unsafe.Sizeof(*dr)), uintptr(unsafe.Pointer(dr)))

	return err
}
