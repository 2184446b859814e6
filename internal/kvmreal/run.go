package kvmreal

import "unsafe"

// RunData is the kernel/userspace shared vcpu-run page, identical in layout
// to gokvm's kvm.RunData (kvm/kvm.go), with the IO() helper preserved
// verbatim since the bitfield decode is architecture ABI, not style.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO payload: direction, operand size, port,
// repeat count, and the byte offset (within this same page) of the data.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// IOBytes returns the size bytes of one port access described by IO(), for
// handing to a port device (e.g. the 16550 serial console).
func (r *RunData) IOBytes(size, offset uint64) []byte {
	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return (*(*[8]byte)(unsafe.Pointer(base)))[:size]
}
