package hal

// irqLiner is satisfied by *kvmreal.VM; kept as a narrow interface so this
// package never imports kvmreal directly, the same separation gokvm draws
// between serial.IRQInjector and the concrete machine.
type irqLiner interface {
	IRQLine(irq uint32, level uint32) error
}

// KVMInterruptController drives the real IOAPIC/PIC KVM virtualizes,
// wrapping VM.IRQLine the way gokvm's machine.go does from its
// serialIRQCallback closure.
type KVMInterruptController struct {
	vm  irqLiner
	irq uint32
}

func NewKVMInterruptController(vm irqLiner, irq uint32) *KVMInterruptController {
	return &KVMInterruptController{vm: vm, irq: irq}
}

func (c *KVMInterruptController) Notify(irq uint32, level uint32) error {
	return c.vm.IRQLine(irq, level)
}

// EOI is a no-op under KVM's in-kernel IRQ chip: the chip tracks in-service
// state itself and the level-triggered Notify(irq, 0) call is what a real
// EOI corresponds to from userspace's point of view.
func (c *KVMInterruptController) EOI() error { return nil }

// InjectSerialIRQ satisfies hal.IRQInjector for Serial16550, pulsing the
// console's GSI high then low the way gokvm's InjectSerialIRQ does
// (kvm/kvm.go's serialIRQCallback, machine/machine.go InjectSerialIRQ).
func (c *KVMInterruptController) InjectSerialIRQ() error {
	if err := c.Notify(c.irq, 1); err != nil {
		return err
	}

	return c.Notify(c.irq, 0)
}
