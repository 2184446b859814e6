package kvmreal

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// VM owns a single KVM virtual machine and its single vCPU. nanokernel never
// runs more than one vCPU (spec.md §1 Non-goals: no SMP); the vCPU fd here is
// the hardware "current CPU" that internal/kernel's scheduler multiplexes in
// software.
type VM struct {
	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr
	mem    []byte
	run    *RunData
}

// Open replicates gokvm's Machine.New bring-up sequence (kvm/kvm.go
// NewLinuxGuest / machine/machine.go New): open /dev/kvm, create the VM,
// program the TSS/identity-map addresses required before any vCPU can enter
// protected or long mode, create the IRQ chip and PIT, then create the vCPU
// and map its run page.
func Open(devPath string, memSize int) (*VM, error) {
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}

	vm := &VM{kvmFd: dev.Fd()}

	if vm.vmFd, err = vm.ioctlNoArg(vm.kvmFd, nrCreateVM); err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	if _, err := Ioctl(vm.vmFd, io(nrSetTSSAddr), 0xffffd000); err != nil {
		return nil, fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}

	var mapAddr uint64 = 0xffffc000
	if _, err := Ioctl(vm.vmFd, iow(nrSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr))); err != nil {
		return nil, fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}

	if _, err := Ioctl(vm.vmFd, io(nrCreateIRQChip), 0); err != nil {
		return nil, fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}

	pit := struct {
		Flags uint32
		_     [15]uint32
	}{}
	if _, err := Ioctl(vm.vmFd, iow(nrCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit))); err != nil {
		return nil, fmt.Errorf("KVM_CREATE_PIT2: %w", err)
	}

	if vm.vcpuFd, err = vm.ioctlNoArg(vm.vmFd, nrCreateVCPU); err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}

	mmapSize, err := vm.ioctlNoArg(vm.kvmFd, nrGetVCPUMMapSize)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	runPage, err := syscall.Mmap(int(vm.vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu run page: %w", err)
	}

	vm.run = (*RunData)(unsafe.Pointer(&runPage[0]))

	vm.mem, err = syscall.Mmap(-1, 0, memSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	if err := vm.SetUserMemoryRegion(&UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&vm.mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	return vm, nil
}

func (vm *VM) ioctlNoArg(fd uintptr, nr uint) (uintptr, error) {
	return Ioctl(fd, io(nr), 0)
}

// Mem is the flat guest-physical byte slice backing internal/pmm's zones.
func (vm *VM) Mem() []byte { return vm.mem }

// Run executes KVM_RUN once; the caller inspects vm.RunDataPtr().ExitReason.
func (vm *VM) Run() error {
	_, err := Ioctl(vm.vcpuFd, io(nrRun), 0)

	return err
}

// RunDataPtr returns the shared vcpu run-page structure.
func (vm *VM) RunDataPtr() *RunData { return vm.run }

func (vm *VM) VCPUFd() uintptr { return vm.vcpuFd }
func (vm *VM) VMFd() uintptr   { return vm.vmFd }
func (vm *VM) KVMFd() uintptr  { return vm.kvmFd }
