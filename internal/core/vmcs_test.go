package core

import "testing"

// These cover the pure decode/encode helpers in vmcs.go — the part of this
// package that doesn't require VMX root mode to exercise. Hypervisor's own
// methods issue real VMREAD/VMWRITE/INVEPT/INVVPID and can only run inside
// an actual VM exit handler; see DESIGN.md.

func TestDecodeCRExitQualification(t *testing.T) {
	tests := []struct {
		name       string
		qual       uint64
		wantCR     int
		wantAccess int
		wantGPR    int
	}{
		{"mov to cr3 from eax", 0x3, 3, crAccessTypeMovToCR, 0},
		{"mov to cr0 from ebx", 0x300, 0, crAccessTypeMovToCR, 3},
		{"mov from cr3 to esi", 0x613, 3, crAccessTypeMovFromCR, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crNumber, accessType, gpr := decodeCRExitQualification(tt.qual)
			if crNumber != tt.wantCR {
				t.Errorf("crNumber = %d, want %d", crNumber, tt.wantCR)
			}
			if accessType != tt.wantAccess {
				t.Errorf("accessType = %d, want %d", accessType, tt.wantAccess)
			}
			if gpr != tt.wantGPR {
				t.Errorf("gpr = %d, want %d", gpr, tt.wantGPR)
			}
		})
	}
}

func TestBuildEPTP(t *testing.T) {
	const pml4Phys = 0x0013_3000 // page-aligned

	eptp := buildEPTP(pml4Phys)

	if memType := eptp & 0x7; memType != 0 {
		t.Errorf("memory type = %d, want 0 (uncacheable)", memType)
	}
	if walkLen := (eptp >> 3) & 0x7; walkLen != 3 {
		t.Errorf("page-walk length = %d, want 3", walkLen)
	}
	if phys := eptp &^ 0xFFF; phys != pml4Phys {
		t.Errorf("pml4 physical address = %#x, want %#x", phys, pml4Phys)
	}
}

func TestBuildEPTPMasksUnalignedInput(t *testing.T) {
	// A non-page-aligned address must not leak low bits into the
	// memory-type/walk-length fields.
	eptp := buildEPTP(0x1000 + 0x17)
	if eptp&0xFFF != (0 | 3<<3) {
		t.Errorf("low 12 bits = %#x, want only memtype/walklen encoded", eptp&0xFFF)
	}
}

func TestVMXInstructionExitReasonsNoOpsOnly(t *testing.T) {
	noOps := []uint32{
		exitReasonVMCLEAR, exitReasonVMLAUNCH, exitReasonVMPTRLD,
		exitReasonVMPTRST, exitReasonVMREAD, exitReasonVMRESUME,
		exitReasonVMWRITE, exitReasonVMXON, exitReasonVMXOFF,
	}
	for _, reason := range noOps {
		if !vmxInstructionExitReasons[reason] {
			t.Errorf("exit reason %d missing from vmxInstructionExitReasons", reason)
		}
	}

	dispatched := []uint32{
		exitReasonVMCALL, exitReasonCPUID, exitReasonRDMSR, exitReasonWRMSR,
		exitReasonCRAccess, exitReasonEPTViolation, exitReasonException,
		exitReasonEPTMisconfig, exitReasonTripleFault,
	}
	for _, reason := range dispatched {
		if vmxInstructionExitReasons[reason] {
			t.Errorf("exit reason %d should be dispatched explicitly, not treated as a bare no-op", reason)
		}
	}
}

func TestReadWriteGPRRoundTrip(t *testing.T) {
	regs := &GuestRegisters{}
	for gpr := 0; gpr < 8; gpr++ {
		writeGPR(regs, gpr, uint32(0x1000+gpr))
	}
	for gpr := 0; gpr < 8; gpr++ {
		got := readGPR(regs, gpr)
		want := uint32(0x1000 + gpr)
		if got != want {
			t.Errorf("gpr %d = %#x, want %#x", gpr, got, want)
		}
	}
}
