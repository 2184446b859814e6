package kvmreal

import "unsafe"

// CPUIDEntry2 and CPUID mirror gokvm's kvm.CPUIDEntry2/CPUID (kvm/cpuid.go).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

func (vm *VM) GetSupportedCPUID(c *CPUID) error {
	c.Nent = uint32(len(c.Entries))
	_, err := Ioctl(vm.kvmFd, iowr(nrGetSupportedCPUID, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

func (vm *VM) SetCPUID2(c *CPUID) error {
	_, err := Ioctl(vm.vcpuFd, iow(nrSetCPUID2, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// InitParavirtSignature stamps the KVM paravirtual-interface CPUID leaf the
// way gokvm's initCPUID does (kvm/kvm.go), so the lone vCPU can identify
// its hypervisor without depending on real hardware CPUID leaves.
func (vm *VM) InitParavirtSignature() error {
	c := &CPUID{}
	if err := vm.GetSupportedCPUID(c); err != nil {
		return err
	}

	for i := range c.Entries[:c.Nent] {
		e := &c.Entries[i]
		if e.Function != CPUIDSignature {
			continue
		}

		e.Eax = CPUIDFeatures
		e.Ebx, e.Ecx, e.Edx = 0x4b4d564b, 0x564b4d56, 0x4d // "KVMKVMKVM\0\0\0"
	}

	return vm.SetCPUID2(c)
}
