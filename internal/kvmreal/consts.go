package kvmreal

// ioctl request numbers, taken verbatim from gokvm's kvm/kvm.go where that
// file precomputes them, derived via iow/ior/iowr elsewhere (DebugRegs,
// MSRList) which gokvm's kvm/registers.go and kvm/msr.go leave to the
// IIOW/IIOR helpers.
const (
	nrGetAPIVersion       = 0xAE00
	nrCreateVM            = 0xAE01
	nrGetVCPUMMapSize     = 0xAE04
	nrCreateVCPU          = 0xAE41
	nrRun                 = 0xAE80
	nrGetRegsNr           = 0x81
	nrSetRegsNr           = 0x82
	nrGetSregsNr          = 0x83
	nrSetSregsNr          = 0x84
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0xAE47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0xAE60
	nrIRQLine             = 0x67
	nrCreatePIT2          = 0x77
	nrGetSupportedCPUID   = 0x05
	nrSetCPUID2           = 0x90
	nrGetDebugRegsNr      = 0x9f
	nrSetDebugRegsNr      = 0xa0
	nrGetMSRIndexList     = 0x02

	numInterrupts = 0x100

	// EXITxxx are KVM_EXIT_* reasons reported in RunData.ExitReason.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17

	ExitIODirIn  = 0
	ExitIODirOut = 1

	// CPUID leaves for the KVM paravirtual signature, per
	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html .
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001
)
