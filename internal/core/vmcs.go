// Package core is the hypervisor's VM-exit dispatch loop: VMCS field
// access, capability bring-up, the exit-reason table spec.md §4.5 names,
// and VMCALL dispatch on EAX (spec.md §6). Grounded on
// original_source/vmx/hypervisor_loader.c's bring-up sequence and CPUID/
// INVD/MSR exit handling, and original_source/vmx/ept.c's
// exit_reason_dispatch_handler table, translated from a giant switch over
// raw exit-reason integers into a Go switch over named constants, with
// every decode step that doesn't itself touch hardware (CR
// exit-qualification parsing, EPTP/VPID construction, VMCALL routing)
// factored into free functions so they can be unit-tested without real VMX
// root-mode execution.
package core

// VMCS field encodings (Intel SDM Vol. 3C Appendix B). No repo in the
// retrieval pack models a raw VMCS — internal/hv/kvm drives KVM ioctls
// instead of VMREAD/VMWRITE directly — so, like internal/vmxasm, this
// table's grounding is the processor architecture manual rather than a pack
// dependency; see DESIGN.md.
const (
	fieldVirtualProcessorID  = 0x00000000
	fieldGuestCR3            = 0x00006802
	fieldGuestRFlags         = 0x00006820
	fieldGuestRIP            = 0x0000681E
	fieldGuestPhysicalAddr   = 0x00002400 // full 64-bit field
	fieldEPTPointer          = 0x0000201A // full 64-bit field
	fieldVMExitReason        = 0x00004402
	fieldVMExitQualification = 0x00006400
	fieldVMExitInstrLen      = 0x0000440C
)

// eflagsTF is the trap-flag bit in RFLAGS (bit 8), used to arm/disarm
// single-stepping around a fault-stack entry (spec.md §4.4).
const eflagsTF = 1 << 8

// Basic VM-exit reasons this core dispatches on (SDM Appendix C, basic exit
// reason field, low 16 bits of VM_EXIT_REASON).
const (
	exitReasonException    = 0
	exitReasonTripleFault  = 2
	exitReasonCPUID        = 10
	exitReasonHLT          = 12
	exitReasonINVD         = 13
	exitReasonVMCALL       = 18
	exitReasonVMCLEAR      = 19
	exitReasonVMLAUNCH     = 20
	exitReasonVMPTRLD      = 21
	exitReasonVMPTRST      = 22
	exitReasonVMREAD       = 23
	exitReasonVMRESUME     = 24
	exitReasonVMWRITE      = 25
	exitReasonVMXOFF       = 26
	exitReasonVMXON        = 27
	exitReasonCRAccess     = 28
	exitReasonRDMSR        = 31
	exitReasonWRMSR        = 32
	exitReasonEPTViolation = 48
	exitReasonEPTMisconfig = 49
)

// vmxInstructionExitReasons is the set of exit reasons spec.md §4.5 says
// get a bare "advance RIP, no-op to guest" treatment.
var vmxInstructionExitReasons = map[uint32]bool{
	exitReasonVMCLEAR:  true,
	exitReasonVMLAUNCH: true,
	exitReasonVMPTRLD:  true,
	exitReasonVMPTRST:  true,
	exitReasonVMREAD:   true,
	exitReasonVMRESUME: true,
	exitReasonVMWRITE:  true,
	exitReasonVMXON:    true,
	exitReasonVMXOFF:   true,
}

// CR-access exit-qualification field layout (SDM Table 27-3): bits 3:0
// control-register number, bits 5:4 access type, bits 11:8 general-purpose
// register index.
const (
	crAccessTypeMovToCR   = 0
	crAccessTypeMovFromCR = 1
)

func decodeCRExitQualification(qual uint64) (crNumber int, accessType int, gpr int) {
	crNumber = int(qual & 0xF)
	accessType = int((qual >> 4) & 0x3)
	gpr = int((qual >> 8) & 0xF)
	return
}

// buildEPTP constructs the EPT_POINTER VMCS field value: MemoryType=0 (UC),
// PageWalkLength=3 (4 levels - 1), PhysAddr = pml4PhysAddr (spec.md §6).
func buildEPTP(pml4PhysAddr uint64) uint64 {
	const memoryTypeUC = 0
	const pageWalkLength = 3
	return memoryTypeUC | (pageWalkLength << 3) | (pml4PhysAddr &^ 0xFFF)
}

// vmcallCode names the values spec.md §6 defines for guest EAX at VMCALL.
type vmcallCode uint32

const (
	vmcallDisableHypervisor vmcallCode = 0x12345678
	vmcallInitSplit         vmcallCode = 0x100F
	vmcallEndSplit          vmcallCode = 0x200F
	vmcallMeasure           vmcallCode = 0x300F
)
