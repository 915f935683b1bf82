// Package splitengine implements the VM-exit-driven state machine that
// flips a guest page's EPT PTE between its code-backing frame and its
// data-backing frame, and detects/resolves the case where a single retired
// instruction touches both on the same page ("thrash"). Ported from
// original_source/vmx/ept.c's EptHandleViolation/EptHandleTrapFlag/
// InitSplit/EndSplit and original_source/vmx/procmon.c's CR3-write path
// (AppendTlbTranslation).
package splitengine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/splitvt/hypervisor/internal/ept"
	"github.com/splitvt/hypervisor/internal/faultstack"
	"github.com/splitvt/hypervisor/internal/guestpaging"
	"github.com/splitvt/hypervisor/internal/memory"
	"github.com/splitvt/hypervisor/internal/trace"
	"github.com/splitvt/hypervisor/internal/translation"
)

// ErrTranslationTableMiss is returned by HandleEPTViolation when the
// faulting GPA matches no record in the active table (spec.md §4.4 step 1:
// "safety shutdown"). EndSplit has already run by the time this is
// returned — it is informational, not a call to action.
var ErrTranslationTableMiss = errors.New("splitengine: ept violation matched no translation record")

// ErrFaultStackUnderflow is returned by HandleTrap when a trap VM-exit
// arrives with nothing on the fault stack to retire. spec.md §7 names
// FaultStack overflow but is silent on underflow; this module treats it as
// the same class of unrecoverable condition as the other core invariant
// violations: internal/core halts through its beacon on this error (see
// SPEC_FULL.md §4, supplemented detail #2).
var ErrFaultStackUnderflow = errors.New("splitengine: trap exit with empty fault stack")

// CacheInvalidator invalidates EPT- and VPID-tagged TLB state. Implemented
// by internal/core over vmxasm.Invept/Invvpid.
type CacheInvalidator interface {
	InvalidateEPT()
	InvalidateVPIDAddress(virtualAddress uint32)
	InvalidateVPIDAll()
}

// TrapFlagController sets or clears the guest's EFLAGS.TF, arming or
// disarming the single-step debug trap the split engine relies on to
// retire a fault.
type TrapFlagController interface {
	SetTrapFlag(set bool)
}

// Halter freezes the processor on an unrecoverable condition (spec.md §7
// kind 5/6/7). Implemented by internal/beacon.
type Halter interface {
	Halt(reason string)
}

// DataFrameProvider supplies the data-backing frame for a guest page that
// becomes resident after protection has already begun (spec.md §4.4 CR3-write
// handler: "DataPhys = <copy of corresponding data-page frame>"). This is the
// one place the split engine calls back out to an external collaborator,
// mirroring spec.md §9's "external collaborators' callbacks... model as
// explicit messages to the core".
type DataFrameProvider interface {
	AllocateDataFrame(virtualAddress uint32, codePhys uint64) (dataPhys uint64, err error)
}

// Counters mirrors SplitContext's four tallies (spec.md §3).
type Counters struct {
	EPTViolations uint64
	CodeExits     uint64
	DataExits     uint64
	Thrashes      uint64
}

// Engine is SplitContext plus the FaultStack, scoped to the single logical
// processor this module targets (spec.md §5: no locks by construction).
type Engine struct {
	idmap *ept.IdentityMap
	phys  memory.Space // physical memory backing every CodePhys/DataPhys frame
	cache CacheInvalidator
	trap  TrapFlagController
	halt  Halter

	table            *translation.Table
	stack            *faultstack.Stack
	counters         Counters
	thrashInProgress bool

	targetCR3           uint32
	imageBase, imageSize uint32
	imagePages          []uint32
}

// New constructs an Engine with no active split.
func New(idmap *ept.IdentityMap, phys memory.Space, cache CacheInvalidator, trap TrapFlagController, halt Halter) *Engine {
	return &Engine{idmap: idmap, phys: phys, cache: cache, trap: trap, halt: halt, stack: faultstack.New()}
}

// Counters returns the current SplitContext tallies.
func (e *Engine) Counters() Counters { return e.counters }

// Active reports whether a split is currently in force.
func (e *Engine) Active() bool { return e.table != nil }

// PeekFaultTop returns the virtual address of the record currently on top
// of the fault stack, for tracing purposes, or ok=false if the stack is
// empty.
func (e *Engine) PeekFaultTop() (virtualAddress uint32, ok bool) {
	rec := e.stack.Peek()
	if rec == nil {
		return 0, false
	}
	return rec.VirtualAddress, true
}

// NumRecords reports the size of the active translation table, or 0 if no
// split is in force. internal/core's CR3-write trace uses this to log how
// many new records a page-in appended.
func (e *Engine) NumRecords() int {
	if e.table == nil {
		return 0
	}
	return len(e.table.Records())
}

// CodePhysForVirtualAddress returns the CodePhys backing virtualAddress in
// the active translation table, if any. internal/core's measurement VMCALL
// handler uses this to build the code-view checksum reader (spec.md §6:
// "compute and log both checksums (live and code-view)").
func (e *Engine) CodePhysForVirtualAddress(virtualAddress uint32) (uint64, bool) {
	if e.table == nil {
		return 0, false
	}
	rec := e.table.FindByVirtualAddress(virtualAddress)
	if rec == nil {
		return 0, false
	}
	return rec.CodePhys, true
}

// InitSplit begins protection over table, whose image occupies guest
// virtual addresses [imageBase, imageBase+imageSize) under targetCR3. For
// each record, demotes the owning 2 MiB PDE if needed and clears
// Present/Write/Execute on its PTE (spec.md §4.4 "Protocol initiation").
func (e *Engine) InitSplit(table *translation.Table, targetCR3, imageBase, imageSize uint32) error {
	for _, rec := range table.Records() {
		pte, err := e.idmap.GetOrDemotePTE(rec.CodePhys)
		if err != nil {
			return fmt.Errorf("splitengine: init_split: %w", err)
		}
		pte.ClearPermissions()
		rec.PTE = pte
		rec.Mode = translation.ModeCode
	}

	e.cache.InvalidateEPT()
	e.cache.InvalidateVPIDAll()

	e.table = table
	e.stack.Reset()
	e.counters = Counters{}
	e.thrashInProgress = false
	e.targetCR3 = targetCR3
	e.imageBase = imageBase
	e.imageSize = imageSize

	e.imagePages = e.imagePages[:0]
	for va := imageBase &^ 0xFFF; va < imageBase+imageSize; va += 0x1000 {
		e.imagePages = append(e.imagePages, va)
	}

	return nil
}

// HandleEPTViolation is the spec.md §4.4 EPT-violation handler.
func (e *Engine) HandleEPTViolation(v EPTViolation) error {
	e.counters.EPTViolations++

	rec := e.table.Lookup(v.GuestPhysicalAddress)
	if rec == nil {
		// Step 1: no matching record — safety shutdown.
		_ = e.EndSplit()
		return ErrTranslationTableMiss
	}

	// Step 2: already installed with execute rights ⇒ spurious.
	if rec.PTE.Present() && rec.PTE.Execute() {
		return nil
	}

	// Step 3: if a different record sits on top, its retire-step is still
	// pending — restore it to full permissions now.
	if top := e.stack.Peek(); top != nil && top != rec {
		top.PTE.SetFullPermissions()
	}

	// Step 4.
	if e.stack.IsFull() {
		trace.WithSource("fault-stack").Writef("push dropped, stack full: va=%#x", rec.VirtualAddress)
	}
	e.stack.Push(rec)

	if e.stack.NumEntries() >= 2 {
		// Step 5: thrashing — one instruction touches code and data on the
		// same page within a single retire.
		e.thrashInProgress = true
		e.counters.Thrashes++
		if err := e.reconcileThrash(rec, v); err != nil {
			return err
		}
		rec.PTE.SetFrameNumber(rec.DataPhys >> 12)
		rec.PTE.SetFullPermissions()
		rec.Mode = translation.ModeData
	} else {
		// Step 6: resolve by access kind.
		switch {
		case v.Qualification.InstructionFetch():
			rec.PTE.SetFrameNumber(rec.CodePhys >> 12)
			rec.PTE.SetExecute(true)
			rec.Mode = translation.ModeCode
			e.counters.CodeExits++
		case v.Qualification.DataRead() || v.Qualification.DataWrite():
			rec.PTE.SetFrameNumber(rec.DataPhys >> 12)
			rec.PTE.SetPresent(true)
			rec.PTE.SetWrite(true)
			rec.Mode = translation.ModeData
			e.counters.DataExits++
		default:
			e.halt.Halt("ept violation exit qualification names neither fetch nor data access")
			return nil
		}
	}

	// Step 7.
	e.trap.SetTrapFlag(true)
	return nil
}

// reconcileThrash compares VM_EXIT_INSTRUCTION_LEN bytes at the intra-page
// offset of guest EIP between rec's code and data frames, and overwrites the
// data frame with the code bytes if they differ (spec.md §4.4 step 5b). The
// offset/length pair is used exactly as given — spec.md's Open Question #1
// notes that an instruction straddling a page boundary is not bounds-checked
// here, matching original_source.
func (e *Engine) reconcileThrash(rec *translation.Record, v EPTViolation) error {
	offset := int64(v.GuestEIP & 0xFFF)
	n := int64(v.InstructionLength)

	codeBuf := make([]byte, n)
	if _, err := e.phys.ReadAt(codeBuf, int64(rec.CodePhys)+offset); err != nil {
		return fmt.Errorf("splitengine: read code frame for thrash reconcile: %w", err)
	}
	dataBuf := make([]byte, n)
	if _, err := e.phys.ReadAt(dataBuf, int64(rec.DataPhys)+offset); err != nil {
		return fmt.Errorf("splitengine: read data frame for thrash reconcile: %w", err)
	}

	if !bytes.Equal(codeBuf, dataBuf) {
		if _, err := e.phys.WriteAt(codeBuf, int64(rec.DataPhys)+offset); err != nil {
			return fmt.Errorf("splitengine: reconcile thrash: %w", err)
		}
	}
	return nil
}

// HandleTrap is the spec.md §4.4 trap (single-step) handler.
func (e *Engine) HandleTrap() error {
	rec := e.stack.Pop()
	if rec == nil {
		return ErrFaultStackUnderflow
	}

	rec.PTE.ClearPermissions()
	e.trap.SetTrapFlag(false)

	if e.thrashInProgress {
		e.cache.InvalidateVPIDAddress(rec.VirtualAddress)

		if other := e.stack.Peek(); other != nil {
			e.stack.Pop()
			if other != rec {
				other.PTE.ClearPermissions()
				e.cache.InvalidateVPIDAddress(other.VirtualAddress)
			}
		}
		e.thrashInProgress = false
	}

	return nil
}

// EndSplit is the spec.md §4.4 protocol termination: every record's PTE is
// restored to its code frame with full permissions, then the EPT and VPID
// caches are invalidated. A no-op if no split is active (so the
// table-miss safety shutdown in HandleEPTViolation can call it
// unconditionally).
func (e *Engine) EndSplit() error {
	if e.table == nil {
		return nil
	}

	for _, rec := range e.table.Records() {
		rec.PTE.SetFrameNumber(rec.CodePhys >> 12)
		rec.PTE.SetFullPermissions()
		rec.Mode = translation.ModeCode
	}

	e.cache.InvalidateEPT()
	e.cache.InvalidateVPIDAll()

	e.table = nil
	e.stack.Reset()
	e.thrashInProgress = false
	return nil
}

// HandleCR3Write is the spec.md §4.4 CR3-write handler: when the guest
// writes the monitored target's CR3, every image page not yet tracked that
// has become resident is given a fresh TranslationRecord. guestPaging is the
// physical-memory view the guest's own page tables live in (identity-mapped,
// so it is the same Space as phys in the common case).
func (e *Engine) HandleCR3Write(guestPaging memory.Space, cr3 uint32, provider DataFrameProvider) error {
	if e.table == nil || cr3 != e.targetCR3 {
		return nil
	}

	for _, va := range e.imagePages {
		if e.table.FindByVirtualAddress(va) != nil {
			continue
		}

		pte, ok := guestpaging.MapPTE(guestPaging, cr3, va)
		if !ok || !pte.Present() {
			continue
		}

		codePhys := uint64(pte.PageFrame()) << 12
		dataPhys, err := provider.AllocateDataFrame(va, codePhys)
		if err != nil {
			return fmt.Errorf("splitengine: allocate data frame for newly resident page 0x%x: %w", va, err)
		}

		entry, err := e.idmap.GetOrDemotePTE(codePhys)
		if err != nil {
			return fmt.Errorf("splitengine: cr3 write handler: %w", err)
		}
		entry.ClearPermissions()

		e.table.Append(&translation.Record{
			VirtualAddress: va,
			CodePhys:       codePhys,
			DataPhys:       dataPhys,
			Mode:           translation.ModeCode,
			PTE:            entry,
		})
	}

	// VMX does not invalidate VPID-tagged TLB entries automatically on a
	// CR3 write when VPID is enabled (spec.md §4.4).
	e.cache.InvalidateVPIDAll()
	return nil
}
