package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/splitvt/hypervisor/internal/beacon"
	"github.com/splitvt/hypervisor/internal/config"
	"github.com/splitvt/hypervisor/internal/ept"
	"github.com/splitvt/hypervisor/internal/frame"
	"github.com/splitvt/hypervisor/internal/memory"
	"github.com/splitvt/hypervisor/internal/metrics"
	"github.com/splitvt/hypervisor/internal/peimage"
	"github.com/splitvt/hypervisor/internal/splitengine"
	"github.com/splitvt/hypervisor/internal/trace"
	"github.com/splitvt/hypervisor/internal/vmxasm"
)

// ErrCapabilityMissing is returned by CheckCapabilities when the processor
// lacks a feature spec.md §6 requires at bring-up (error kind 1, spec.md §7).
var ErrCapabilityMissing = errors.New("core: required VMX capability missing")

// ErrHypervisorDisabled is returned by HandleExit after the
// vmcallDisableHypervisor path completes. The real assembly trampoline that
// restores guest GPRs/stack/EIP and jumps back to native execution with
// root mode off (spec.md §6) lives outside this package's scope; this
// error is the signal that tells the caller to perform that jump instead
// of issuing VMRESUME.
var ErrHypervisorDisabled = errors.New("core: hypervisor disabled by guest VMCALL")

// Capabilities is the set of MSR bits spec.md §6 requires present at
// bring-up, read once during New.
type Capabilities struct {
	FeatureControlLocked    bool
	SecondaryControlsActive bool
	EPTSupported            bool
	VPIDSupported           bool
	ExecuteOnlySupported    bool
	IndividualAddrInvVPID   bool
}

// CheckCapabilities reads the required MSRs (IA32_FEATURE_CONTROL,
// IA32_VMX_BASIC, IA32_VMX_PROCBASED_CTLS, IA32_VMX_PROCBASED_CTLS2,
// IA32_VMX_EPT_VPID_CAP) and reports which of spec.md §6's required
// capabilities are present. Grounded on
// original_source/vmx/hypervisor_loader.c's bring-up checks.
func CheckCapabilities() (Capabilities, error) {
	const (
		msrFeatureControl  = 0x3A
		msrVMXBasic        = 0x480
		msrVMXProcBased    = 0x482
		msrVMXProcBased2   = 0x48B
		msrVMXEPTVPIDCap   = 0x48C

		featureControlLockBit = 1 << 0

		procBasedActivateSecondaryBit = 1 << 31 // reported in the allowed-1 (high 32 bits)

		procBased2EnableEPTBit  = 1 << 1
		procBased2EnableVPIDBit = 1 << 5

		eptVPIDCapExecuteOnlyBit  = 1 << 0
		eptVPIDCapIndividualAddrInvVPIDBit = 1 << 40
	)

	var caps Capabilities

	fc := vmxasm.Rdmsr(msrFeatureControl)
	caps.FeatureControlLocked = fc&featureControlLockBit != 0

	procBased := vmxasm.Rdmsr(msrVMXProcBased)
	allowed1ProcBased := uint32(procBased >> 32)
	caps.SecondaryControlsActive = allowed1ProcBased&procBasedActivateSecondaryBit != 0

	procBased2 := vmxasm.Rdmsr(msrVMXProcBased2)
	allowed1ProcBased2 := uint32(procBased2 >> 32)
	caps.EPTSupported = allowed1ProcBased2&procBased2EnableEPTBit != 0
	caps.VPIDSupported = allowed1ProcBased2&procBased2EnableVPIDBit != 0

	eptVPIDCap := vmxasm.Rdmsr(msrVMXEPTVPIDCap)
	caps.ExecuteOnlySupported = eptVPIDCap&eptVPIDCapExecuteOnlyBit != 0
	caps.IndividualAddrInvVPID = eptVPIDCap&eptVPIDCapIndividualAddrInvVPIDBit != 0

	_ = vmxasm.Rdmsr(msrVMXBasic) // read for completeness; revision ID consumed by VMCS bring-up, out of this package's scope

	if !caps.FeatureControlLocked || !caps.SecondaryControlsActive ||
		!caps.EPTSupported || !caps.VPIDSupported || !caps.ExecuteOnlySupported {
		return caps, fmt.Errorf("%w: %+v", ErrCapabilityMissing, caps)
	}
	return caps, nil
}

// Hypervisor is the VM-exit dispatch loop: VMCS field access, the exit
// reason table (spec.md §4.5), VMCALL dispatch (spec.md §6), and the
// capability-checked bring-up state.
type Hypervisor struct {
	cfg     config.Config
	beacon  *beacon.Beacon
	metrics *metrics.Recorder

	arena *frame.Arena
	idmap *ept.IdentityMap
	phys  memory.Space

	engine *splitengine.Engine
	cache  *vmxCacheInvalidator

	targetCR3 uint32
}

// New builds a Hypervisor over an already-allocated arena and identity map.
// phys is the guest-physical address space view. logger backs the beacon's
// halt path and the configured block-list drives MSR-write filtering.
func New(cfg config.Config, arena *frame.Arena, idmap *ept.IdentityMap, phys memory.Space, caps Capabilities, logger *slog.Logger) *Hypervisor {
	b := beacon.New(logger)
	cache := &vmxCacheInvalidator{
		eptp:           buildEPTP(uint64(arena.FrameOffset(idmap.PML4Frame()))),
		vpid:           1, // spec.md §6: "VM_VPID = 1 (any non-zero value)"
		individualVPID: caps.IndividualAddrInvVPID,
	}
	trapCtl := vmxTrapController{}
	engine := splitengine.New(idmap, phys, cache, trapCtl, b)

	return &Hypervisor{
		cfg:     cfg,
		beacon:  b,
		metrics: metrics.New(),
		arena:   arena,
		idmap:   idmap,
		phys:    phys,
		engine:  engine,
		cache:   cache,
	}
}

// Metrics exposes the live exit/split counters, e.g. for a metrics.Dump.
// Nothing in this module dumps them periodically.
func (h *Hypervisor) Metrics() *metrics.Recorder { return h.metrics }

// EPTP returns the EPT_POINTER VMCS field value to install at bring-up.
func (h *Hypervisor) EPTP() uint64 { return h.cache.eptp }

// VPID returns the VIRTUAL_PROCESSOR_ID VMCS field value to install.
func (h *Hypervisor) VPID() uint16 { return h.cache.vpid }

func (h *Hypervisor) advanceRIP() error {
	rip, err := vmread(fieldGuestRIP)
	if err != nil {
		return err
	}
	length, err := vmread(fieldVMExitInstrLen)
	if err != nil {
		return err
	}
	return vmwrite(fieldGuestRIP, rip+length)
}

// HandleExit is the core VM-exit dispatch entry point, called once per
// VM exit with the exit reason and qualification already latched in the
// VMCS (spec.md §4.5): "read VM_EXIT_REASON; dispatch to a handler; advance
// GUEST_RIP... for instructions that the core semantically emulated;
// restore GP registers and VMRESUME." The VMRESUME/register-restore step
// is the caller's responsibility (the assembly trampoline); this method
// returns nil to mean "proceed to VMRESUME", or ErrHypervisorDisabled to
// mean "do not resume, jump back to native guest execution instead".
func (h *Hypervisor) HandleExit(regs *GuestRegisters) error {
	vmxasm.Cli()

	reasonField, err := vmread(fieldVMExitReason)
	if err != nil {
		return err
	}
	reason := uint32(reasonField) & 0xFFFF

	switch {
	case vmxInstructionExitReasons[reason]:
		h.metrics.RecordExit(metrics.ExitVMXInstruction)
		return h.advanceRIP()

	case reason == exitReasonVMCALL:
		h.metrics.RecordExit(metrics.ExitVMCALL)
		if err := h.advanceRIP(); err != nil {
			return err
		}
		return h.dispatchVMCALL(regs)

	case reason == exitReasonINVD:
		h.metrics.RecordExit(metrics.ExitINVD)
		vmxasm.Invd()
		return h.advanceRIP()

	case reason == exitReasonCPUID:
		h.metrics.RecordExit(metrics.ExitCPUID)
		eax, ebx, ecx, edx := vmxasm.Cpuid(regs.EAX, regs.ECX)
		regs.EAX, regs.EBX, regs.ECX, regs.EDX = eax, ebx, ecx, edx
		return h.advanceRIP()

	case reason == exitReasonRDMSR:
		h.metrics.RecordExit(metrics.ExitMSRRead)
		value := vmxasm.Rdmsr(regs.ECX)
		regs.EAX = uint32(value)
		regs.EDX = uint32(value >> 32)
		trace.MSR(regs.ECX, false, false)
		return h.advanceRIP()

	case reason == exitReasonWRMSR:
		h.metrics.RecordExit(metrics.ExitMSRWrite)
		h.handleWRMSR(regs)
		return h.advanceRIP()

	case reason == exitReasonCRAccess:
		h.metrics.RecordExit(metrics.ExitCRAccess)
		if err := h.handleCRAccess(regs); err != nil {
			return err
		}
		return h.advanceRIP()

	case reason == exitReasonEPTViolation:
		h.metrics.RecordExit(metrics.ExitEPTViolation)
		return h.handleEPTViolation()

	case reason == exitReasonException:
		h.metrics.RecordExit(metrics.ExitTrap)
		return h.handleTrap()

	case reason == exitReasonEPTMisconfig:
		h.metrics.RecordExit(metrics.ExitEPTMisconfig)
		trace.Halt("ept misconfiguration")
		h.beacon.Halt("ept misconfiguration")
		return nil

	case reason == exitReasonTripleFault:
		h.metrics.RecordExit(metrics.ExitTripleFault)
		trace.Halt("triple fault")
		h.beacon.Halt("triple fault")
		return nil

	default:
		h.metrics.RecordExit(metrics.ExitUnknown)
		trace.Halt(fmt.Sprintf("unknown exit reason %d", reason))
		h.beacon.Halt(fmt.Sprintf("unknown exit reason %d", reason))
		return nil
	}
}

func (h *Hypervisor) handleWRMSR(regs *GuestRegisters) {
	msr := regs.ECX
	value := uint64(regs.EAX) | uint64(regs.EDX)<<32

	if h.cfg.MSRWriteBlocked(msr) {
		h.metrics.RecordMSRWriteBlocked()
		trace.MSR(msr, true, true)
		return
	}
	vmxasm.Wrmsr(msr, value)
	trace.MSR(msr, true, false)
}

func (h *Hypervisor) handleCRAccess(regs *GuestRegisters) error {
	qual, err := vmread(fieldVMExitQualification)
	if err != nil {
		return err
	}
	crNumber, accessType, gpr := decodeCRExitQualification(qual)
	if crNumber != 3 {
		return nil
	}

	switch accessType {
	case crAccessTypeMovToCR:
		newCR3 := readGPR(regs, gpr)
		if h.engine.Active() && h.targetCR3 != 0 && newCR3 == h.targetCR3 {
			before := h.engine.NumRecords()
			provider := &vmxDataFrameProvider{arena: h.arena, phys: h.phys}
			if err := h.engine.HandleCR3Write(h.phys, newCR3, provider); err != nil {
				return err
			}
			trace.CR3Write(newCR3, h.engine.NumRecords()-before)
		}
		if err := vmwrite(fieldGuestCR3, uint64(newCR3)); err != nil {
			return err
		}
		// spec.md §4.5: "on CR access... always invalidate VPID"
		h.cache.InvalidateVPIDAll()

	case crAccessTypeMovFromCR:
		cr3, err := vmread(fieldGuestCR3)
		if err != nil {
			return err
		}
		writeGPR(regs, gpr, uint32(cr3))
	}
	return nil
}

func readGPR(regs *GuestRegisters, gpr int) uint32 {
	switch gpr {
	case 0:
		return regs.EAX
	case 1:
		return regs.ECX
	case 2:
		return regs.EDX
	case 3:
		return regs.EBX
	case 4:
		return regs.ESP
	case 5:
		return regs.EBP
	case 6:
		return regs.ESI
	case 7:
		return regs.EDI
	default:
		return 0
	}
}

func writeGPR(regs *GuestRegisters, gpr int, value uint32) {
	switch gpr {
	case 0:
		regs.EAX = value
	case 1:
		regs.ECX = value
	case 2:
		regs.EDX = value
	case 3:
		regs.EBX = value
	case 4:
		regs.ESP = value
	case 5:
		regs.EBP = value
	case 6:
		regs.ESI = value
	case 7:
		regs.EDI = value
	}
}

func (h *Hypervisor) handleEPTViolation() error {
	qual, err := vmread(fieldVMExitQualification)
	if err != nil {
		return err
	}
	gpa, err := vmread(fieldGuestPhysicalAddr)
	if err != nil {
		return err
	}
	eip, err := vmread(fieldGuestRIP)
	if err != nil {
		return err
	}
	length, err := vmread(fieldVMExitInstrLen)
	if err != nil {
		return err
	}

	trace.EPTViolation(gpa, uint32(eip))

	v := splitengine.EPTViolation{
		GuestPhysicalAddress: gpa,
		Qualification:        splitengine.ExitQualification(qual),
		GuestEIP:             uint32(eip),
		InstructionLength:    uint32(length),
	}
	return h.engine.HandleEPTViolation(v)
}

func (h *Hypervisor) handleTrap() error {
	virtualAddress, _ := h.engine.PeekFaultTop()
	if err := h.engine.HandleTrap(); err != nil {
		if errors.Is(err, splitengine.ErrFaultStackUnderflow) {
			trace.Halt(err.Error())
			h.beacon.Halt(err.Error())
			return nil
		}
		return err
	}
	trace.Trap(virtualAddress)
	return nil
}

// dispatchVMCALL routes a guest VMCALL on EAX per spec.md §6.
func (h *Hypervisor) dispatchVMCALL(regs *GuestRegisters) error {
	switch vmcallCode(regs.EAX) {
	case vmcallDisableHypervisor:
		if err := h.EndSplit(); err != nil {
			return err
		}
		vmxasm.Vmxoff()
		return ErrHypervisorDisabled

	case vmcallInitSplit:
		return h.handleInitSplit(regs.EBX)

	case vmcallEndSplit:
		return h.EndSplit()

	case vmcallMeasure:
		return h.handleMeasure(regs.EBX, regs.ECX)

	default:
		return nil
	}
}

// translationRecordWireSize is the on-the-wire layout the external
// collaborator fills a guest-physical array with for VMCALL_INIT_SPLIT:
// {VirtualAddress uint32, CodePhys uint32, DataPhys uint32}, terminated by
// an entry whose DataPhys is 0 (translation.Table's terminator rule),
// following original_source/vmx/procmon.h's TlbTranslation_s — trimmed of the
// original's CodeOrData/RW/EptPte fields, which are this module's own
// runtime bookkeeping (translation.Record.Mode, ept.Entry) rather than
// anything the guest-side constructor needs to supply.
const translationRecordWireSize = 12

func (h *Hypervisor) handleInitSplit(recordArrayGPA uint32) error {
	if recordArrayGPA == 0 {
		trace.Halt("vmcall_init_split: null record array")
		h.beacon.Halt("vmcall_init_split: null record array")
		return nil
	}

	cr3, err := vmread(fieldGuestCR3)
	if err != nil {
		return err
	}

	return h.BeginSplit(recordArrayGPA, uint32(cr3))
}

// BeginSplit installs the EPT split view described by the guest-physical
// translation-record array at recordArrayGPA (spec.md §6's
// VMCALL_INIT_SPLIT payload), against the given CR3. Exported for
// internal/control's process-start callback, which already knows cr3 from
// the process-creation notification and has no VMCS to read it from.
func (h *Hypervisor) BeginSplit(recordArrayGPA uint32, cr3 uint32) error {
	records, err := decodeTranslationRecords(h.phys, int64(recordArrayGPA), h.idmap)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("core: vmcall_init_split: empty record array")
	}

	table := newTranslationTable(records)

	minVA, maxVA := records[0].VirtualAddress, records[0].VirtualAddress
	for _, r := range records {
		if r.VirtualAddress < minVA {
			minVA = r.VirtualAddress
		}
		if r.VirtualAddress > maxVA {
			maxVA = r.VirtualAddress
		}
	}
	imageSize := maxVA - minVA + frame.PageSize

	h.targetCR3 = cr3
	return h.engine.InitSplit(table, h.targetCR3, minVA, imageSize)
}

// EndSplit tears down the active split view, if any. Exported for
// internal/control's process-stop callback; dispatchVMCALL's
// VMCALL_END_SPLIT and disable-hypervisor paths call it too.
func (h *Hypervisor) EndSplit() error {
	if !h.engine.Active() {
		return nil
	}
	h.targetCR3 = 0
	return h.engine.EndSplit()
}

func (h *Hypervisor) handleMeasure(peHeaderGPA, imageBaseGVA uint32) error {
	cr3, err := vmread(fieldGuestCR3)
	if err != nil {
		return err
	}
	_, _, err = h.Measure(peHeaderGPA, imageBaseGVA, uint32(cr3))
	return err
}

// Measure computes the live (guest-paging-backed) and code-view
// (split-engine-backed) checksums over the PE image described at
// peHeaderGPA/imageBaseGVA against cr3, logs both via internal/trace, and
// reports whether they disagree (spec.md §6: "compute and log both
// checksums... a mismatch... is the detection signal"). Exported for
// internal/control's periodic measurement ticker alongside the
// VMCALL_MEASURE path.
func (h *Hypervisor) Measure(peHeaderGPA, imageBaseGVA, cr3 uint32) (liveChecksum, codeChecksum uint32, err error) {
	img, err := peimage.Parse(h.phys, int64(peHeaderGPA))
	if err != nil {
		trace.Measurement(0, false)
		return 0, 0, err
	}

	numRelocs := 0
	for _, sec := range img.Sections {
		if sec.Name == ".reloc" {
			relocBase := int64(peHeaderGPA) + int64(sec.VirtualAddress)
			n, err := peimage.RelocationCount(h.phys, relocBase, sec.VirtualSize)
			if err == nil {
				numRelocs = n
			}
			break
		}
	}

	liveReader := peimage.GuestPagingReader(h.phys, cr3)
	liveChecksum = peimage.Checksum(liveReader, img, imageBaseGVA, numRelocs)

	codeReader := peimage.FramesReader(h.phys, func(va uint32) (int64, bool) {
		phys, ok := h.engine.CodePhysForVirtualAddress(va)
		return int64(phys), ok
	})
	codeChecksum = peimage.Checksum(codeReader, img, imageBaseGVA, numRelocs)

	tampered := h.engine.Active() && liveChecksum != codeChecksum
	trace.Measurement(liveChecksum, tampered)
	trace.Measurement(codeChecksum, tampered)

	c := h.engine.Counters()
	h.metrics.RecordSplitCounters(c.EPTViolations, c.CodeExits, c.DataExits, c.Thrashes)

	return liveChecksum, codeChecksum, nil
}
