package kvmreal

import "unsafe"

// irqLevel mirrors gokvm's kvm.IRQLevel (kvm/irq.go): raises or lowers one
// GSI line on the virtualized IOAPIC/PIC, the concrete backend for
// internal/hal's InterruptController.Notify (spec.md §4.1, §4.2 GSI).
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func (vm *VM) IRQLine(irq uint32, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vm.vmFd, iow(nrIRQLine, unsafe.Sizeof(l)), uintptr(unsafe.Pointer(&l)))

	return err
}
