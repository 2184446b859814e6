package kvmreal

import "unsafe"

// MSRList enumerates the model-specific registers KVM virtualizes for this
// host, mirroring gokvm's kvm.MSRList (kvm/msr.go).
type MSRList struct {
	NMSRs   uint32
	Indices [100]uint32
}

func (vm *VM) GetMSRIndexList(list *MSRList) error {
	list.NMSRs = uint32(len(list.Indices))
	_, err := Ioctl(vm.kvmFd, iowr(nrGetMSRIndexList, unsafe.Sizeof(uint32(0))), uintptr(unsafe.Pointer(list)))

	return err
}
