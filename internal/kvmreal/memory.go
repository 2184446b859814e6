package kvmreal

import "unsafe"

// UserspaceMemoryRegion installs a host-memory-backed guest physical range,
// identical in shape to gokvm's kvm.UserspaceMemoryRegion (kvm/memory.go).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r *UserspaceMemoryRegion) SetLogDirtyPages() { r.Flags |= 1 << 0 }
func (r *UserspaceMemoryRegion) SetReadonly()      { r.Flags |= 1 << 1 }

func (vm *VM) SetUserMemoryRegion(region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vm.vmFd, iow(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}
