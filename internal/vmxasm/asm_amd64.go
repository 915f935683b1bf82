//go:build amd64

package vmxasm

// Vmxon executes VMXON on the region at physAddr, entering VMX root
// operation. Clobbers: none visible to Go (flags only, captured in the
// return value).
func Vmxon(physAddr uint64) (rflags uint64)

// Vmxoff leaves VMX operation.
func Vmxoff() (rflags uint64)

// Vmclear initializes the VMCS region at physAddr to the clear state.
func Vmclear(physAddr uint64) (rflags uint64)

// Vmptrld makes the VMCS region at physAddr current.
func Vmptrld(physAddr uint64) (rflags uint64)

// Vmlaunch launches the current VMCS's guest. Does not return to the
// caller on success — control resumes in the guest; it only returns here on
// VM-entry failure.
func Vmlaunch() (rflags uint64)

// Vmresume resumes the current VMCS's guest after a VM exit. Like Vmlaunch,
// only returns here on failure.
func Vmresume() (rflags uint64)

// Vmread reads the VMCS field identified by field.
func Vmread(field uint64) (value uint64, rflags uint64)

// Vmwrite writes value into the VMCS field identified by field.
func Vmwrite(field uint64, value uint64) (rflags uint64)

// Vmcall executes VMCALL. Used only by test harnesses that simulate the
// guest side of the VMCALL ABI (spec.md §6); the hypervisor core itself only
// ever observes VMCALL as a VM-exit reason, never executes it.
func Vmcall()

// Invept invalidates EPT-derived cached mappings per typ, using descriptor.
func Invept(typ uint64, descriptor *InveptDescriptor) (rflags uint64)

// Invvpid invalidates VPID-tagged cached mappings per typ, using descriptor.
func Invvpid(typ uint64, descriptor *InvvpidDescriptor) (rflags uint64)

// Cpuid executes CPUID with the given leaf/subleaf and returns EAX/EBX/ECX/EDX.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rdmsr reads the model-specific register msr.
func Rdmsr(msr uint32) uint64

// Wrmsr writes value into the model-specific register msr.
func Wrmsr(msr uint32, value uint64)

// Rdtsc reads the time-stamp counter.
func Rdtsc() uint64

// Sgdt stores the host GDTR (limit:16, base:64) into out, which must point
// at 10 bytes.
func Sgdt(out *byte)

// Sidt stores the host IDTR (limit:16, base:64) into out, which must point
// at 10 bytes.
func Sidt(out *byte)

// Str returns the host task register selector.
func Str() uint16

// Cli masks interrupts. Every VM-exit handler in internal/core begins with
// this, matching spec.md §5's "interrupts are masked (CLI) on entry".
func Cli()

// Hlt halts the processor. Used by internal/beacon's unrecoverable paths.
func Hlt()

// Invd executes INVD (invalidate caches without writeback), used by the
// hypervisor core's INVD exit handler (spec.md §4.5).
func Invd()
