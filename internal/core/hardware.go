package core

import (
	"fmt"

	"github.com/splitvt/hypervisor/internal/frame"
	"github.com/splitvt/hypervisor/internal/memory"
	"github.com/splitvt/hypervisor/internal/vmxasm"
)

// vmread/vmwrite wrap the raw vmxasm calls with the SDM's RFLAGS-encoded
// success convention, matching every other privileged call site's error
// handling in this module.
func vmread(field uint64) (uint64, error) {
	value, rflags := vmxasm.Vmread(field)
	if !vmxasm.Succeeded(rflags) {
		return 0, fmt.Errorf("core: vmread(%#x) failed", field)
	}
	return value, nil
}

func vmwrite(field, value uint64) error {
	rflags := vmxasm.Vmwrite(field, value)
	if !vmxasm.Succeeded(rflags) {
		return fmt.Errorf("core: vmwrite(%#x, %#x) failed", field, value)
	}
	return nil
}

// GuestRegisters is the subset of guest general-purpose registers the exit
// dispatch loop reads and writes back before VMRESUME. The assembly
// trampoline that actually saves/restores the full register file around
// VMLAUNCH/VMRESUME is out of this module's scope (spec.md's "thin
// hypervisor" targets the EPT split mechanism, not a from-scratch VMCS
// guest-state bring-up); GuestRegisters is the seam a real trampoline would
// populate and consume.
type GuestRegisters struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
}

// vmxCacheInvalidator implements splitengine.CacheInvalidator over real
// INVEPT/INVVPID instructions, per spec.md §6's EPTP/VPID field rules.
type vmxCacheInvalidator struct {
	eptp             uint64
	vpid             uint16
	individualVPID   bool // IA32_VMX_EPT_VPID_CAP.IndividualAddressInvVpid
}

func (c *vmxCacheInvalidator) InvalidateEPT() {
	desc := vmxasm.InveptDescriptor{EPTP: c.eptp}
	vmxasm.Invept(vmxasm.InveptSingleContext, &desc)
}

func (c *vmxCacheInvalidator) InvalidateVPIDAddress(virtualAddress uint32) {
	if !c.individualVPID {
		c.InvalidateVPIDAll()
		return
	}
	desc := vmxasm.InvvpidDescriptor{VPID: c.vpid, LinearAddress: uint64(virtualAddress)}
	vmxasm.Invvpid(vmxasm.InvvpidIndividualAddress, &desc)
}

func (c *vmxCacheInvalidator) InvalidateVPIDAll() {
	desc := vmxasm.InvvpidDescriptor{VPID: c.vpid}
	vmxasm.Invvpid(vmxasm.InvvpidAllContext, &desc)
}

// vmxTrapController implements splitengine.TrapFlagController over
// GUEST_RFLAGS.TF.
type vmxTrapController struct{}

func (vmxTrapController) SetTrapFlag(set bool) {
	rflags, err := vmread(fieldGuestRFlags)
	if err != nil {
		return
	}
	if set {
		rflags |= eflagsTF
	} else {
		rflags &^= eflagsTF
	}
	vmwrite(fieldGuestRFlags, rflags)
}

// vmxDataFrameProvider implements splitengine.DataFrameProvider: a fresh
// arena frame, seeded with the current code-frame content so the data view
// starts identical to the code view until the guest actually writes to it
// (spec.md §4.4's CR3-write/page-in path).
type vmxDataFrameProvider struct {
	arena *frame.Arena
	phys  memory.Space
}

func (p *vmxDataFrameProvider) AllocateDataFrame(virtualAddress uint32, codePhys uint64) (uint64, error) {
	idx, err := p.arena.Alloc()
	if err != nil {
		return 0, fmt.Errorf("core: allocate data frame for va %#x: %w", virtualAddress, err)
	}
	dataPhys := uint64(p.arena.FrameOffset(idx))

	buf := make([]byte, frame.PageSize)
	if _, err := p.phys.ReadAt(buf, int64(codePhys)); err != nil {
		p.arena.Free(idx)
		return 0, fmt.Errorf("core: seed data frame for va %#x: %w", virtualAddress, err)
	}
	if _, err := p.phys.WriteAt(buf, int64(dataPhys)); err != nil {
		p.arena.Free(idx)
		return 0, fmt.Errorf("core: seed data frame for va %#x: %w", virtualAddress, err)
	}
	return dataPhys, nil
}
