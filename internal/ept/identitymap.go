package ept

import (
	"fmt"

	"github.com/splitvt/hypervisor/internal/frame"
)

const entriesPerTable = 512
const pageSize = frame.PageSize

// sizes of the regions each table level covers, in bytes.
const (
	size1GiB = 1 << 30
	size2MiB = 1 << 21
)

// NumPDPTEs is the number of 1 GiB PDPTEs populated at bring-up, covering 4
// GiB of identity-mapped physical memory — exactly
// original_source/vmx/ept.c's InitEptIdentityMap, which allocates "4 PDPTEs
// (4GiB), 4×512 PDEs as 2MiB leaves" rather than the full 512-entry PDPT
// spec.md's §1 bound (512 GiB, one PML4 entry) would technically allow.
const NumPDPTEs = 4

// demotedKey identifies one demoted PDE by its position in the PDPTE/PDE
// address space.
type demotedKey struct {
	pdpteIdx int
	pdeIdx   int
}

// IdentityMap is the EPT PML4/PDPT/PD(/PT) structure described in spec.md
// §4.3. All table storage comes from a frame.Arena; demoted page tables are
// tracked by a Go map keyed on (pdpteIdx, pdeIdx) rather than the original's
// linear range-bracket search over a bookkeeping array — an idiomatic-Go
// simplification of a C-specific limitation, not a behavioural change (see
// DESIGN.md).
type IdentityMap struct {
	arena *frame.Arena

	pml4Frame int
	pdptFrame int
	pdFrames  [NumPDPTEs]int

	demoted map[demotedKey]int // demotedKey -> PT frame index
}

// NewIdentityMap allocates the PML4/PDPT/PD skeleton from arena and fills
// every PDE as a 2 MiB identity-mapped leaf with Present=Write=Execute=1,
// MemoryType=WB. Matches InitEptIdentityMap.
func NewIdentityMap(arena *frame.Arena) (*IdentityMap, error) {
	m := &IdentityMap{arena: arena, demoted: make(map[demotedKey]int)}

	var err error
	if m.pml4Frame, err = arena.Alloc(); err != nil {
		return nil, fmt.Errorf("ept: allocate PML4: %w", err)
	}
	if m.pdptFrame, err = arena.Alloc(); err != nil {
		m.freeFrames(m.pml4Frame)
		return nil, fmt.Errorf("ept: allocate PDPT: %w", err)
	}
	for i := 0; i < NumPDPTEs; i++ {
		if m.pdFrames[i], err = arena.Alloc(); err != nil {
			m.freeFrames(append([]int{m.pml4Frame, m.pdptFrame}, m.pdFrames[:i]...)...)
			return nil, fmt.Errorf("ept: allocate PD %d: %w", i, err)
		}
	}

	// PML4[0] -> PDPT. Only one PML4 entry exists (spec.md §1: the design
	// targets ≤512 GiB of populated physical memory, one PML4 entry).
	pml4e := m.pml4Entry(0)
	pml4e.SetFullPermissions()
	pml4e.SetMemoryType(MemoryTypeWB)
	pml4e.SetFrameNumber(uint64(arena.FrameOffset(m.pdptFrame)) >> shiftAddr)

	for pdpteIdx := 0; pdpteIdx < NumPDPTEs; pdpteIdx++ {
		pdpte := m.pdpteEntry(pdpteIdx)
		pdpte.SetFullPermissions()
		pdpte.SetMemoryType(MemoryTypeWB)
		pdpte.SetFrameNumber(uint64(arena.FrameOffset(m.pdFrames[pdpteIdx])) >> shiftAddr)

		for pdeIdx := 0; pdeIdx < entriesPerTable; pdeIdx++ {
			pde := m.pdeEntry(pdpteIdx, pdeIdx)
			pde.SetFullPermissions()
			pde.SetMemoryType(MemoryTypeWB)
			pde.SetSize(true)
			linearIndex := uint64(pdpteIdx*entriesPerTable + pdeIdx)
			pde.SetFrameNumber(linearIndex * (size2MiB / pageSize))
		}
	}

	return m, nil
}

func (m *IdentityMap) freeFrames(idxs ...int) {
	for _, i := range idxs {
		m.arena.Free(i)
	}
}

func (m *IdentityMap) entryAt(frameIdx, entryIdx int) Entry {
	return Entry{Space: m.arena.Space(), Offset: m.arena.FrameOffset(frameIdx) + int64(entryIdx)*8}
}

func (m *IdentityMap) pml4Entry(i int) Entry         { return m.entryAt(m.pml4Frame, i) }
func (m *IdentityMap) pdpteEntry(i int) Entry         { return m.entryAt(m.pdptFrame, i) }
func (m *IdentityMap) pdeEntry(pdpteIdx, pdeIdx int) Entry {
	return m.entryAt(m.pdFrames[pdpteIdx], pdeIdx)
}

// indices computes (pdpteOff, pdeOff, pteOff) from a guest physical address.
func indices(gpa uint64) (pdpteOff, pdeOff, pteOff int) {
	pdpteOff = int((gpa / size1GiB) % entriesPerTable)
	pdeOff = int((gpa / size2MiB) % entriesPerTable)
	pteOff = int((gpa / pageSize) % entriesPerTable)
	return
}

// GetOrDemotePTE computes (pdpteOff, pdeOff, pteOff) from gpa. If the PDE is
// still a 2 MiB leaf, it is demoted in place: a 512-entry page table is
// allocated and initialised identity-mapping the covered 2 MiB range with
// Present=Write=Execute=1, then the PDE is rewritten to reference it
// (Size=0). Otherwise the existing page table is looked up. Either way, a
// reference to pte[pteOff] is returned. Matches EptMapAddressToPteDirql.
func (m *IdentityMap) GetOrDemotePTE(gpa uint64) (Entry, error) {
	pdpteOff, pdeOff, pteOff := indices(gpa)
	if pdpteOff >= NumPDPTEs {
		return Entry{}, fmt.Errorf("ept: guest physical address 0x%x outside the populated identity map (4 GiB)", gpa)
	}

	pde := m.pdeEntry(pdpteOff, pdeOff)
	key := demotedKey{pdpteOff, pdeOff}

	var ptFrame int
	if existing, ok := m.demoted[key]; ok {
		ptFrame = existing
	} else {
		var err error
		ptFrame, err = m.arena.Alloc()
		if err != nil {
			return Entry{}, fmt.Errorf("ept: demote pde %d/%d: %w", pdpteOff, pdeOff, err)
		}

		base2MiB := uint64(pdpteOff*entriesPerTable+pdeOff) * size2MiB
		for i := 0; i < entriesPerTable; i++ {
			pte := m.entryAt(ptFrame, i)
			pte.SetFullPermissions()
			pte.SetMemoryType(MemoryTypeWB)
			pte.SetFrameNumber((base2MiB + uint64(i)*pageSize) >> shiftAddr)
		}

		pde.SetSize(false)
		pde.SetIgnorePAT(false)
		pde.SetMemoryType(0)
		pde.SetFrameNumber(uint64(m.arena.FrameOffset(ptFrame)) >> shiftAddr)

		m.demoted[key] = ptFrame
	}

	return m.entryAt(ptFrame, pteOff), nil
}

// Teardown frees the PML4, PDPT, the PDs, and every page table ever
// demoted.
func (m *IdentityMap) Teardown() {
	m.freeFrames(m.pml4Frame, m.pdptFrame)
	m.freeFrames(m.pdFrames[:]...)
	for _, ptFrame := range m.demoted {
		m.arena.Free(ptFrame)
	}
	m.demoted = make(map[demotedKey]int)
}

// PML4Frame returns the arena frame index backing the PML4 table — used by
// core to build the EPTP VMCS field (spec.md §6: PhysAddr = PML4 frame).
func (m *IdentityMap) PML4Frame() int { return m.pml4Frame }
