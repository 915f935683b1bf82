// Package guestpaging walks 32-bit non-PAE guest page tables: given a guest
// CR3 and guest virtual address, maps in the relevant PDE/PTE and reports
// large-vs-small page; given a guest physical address, iterates every
// virtual address currently mapping it. Ported from original_source/paging.c
// (pagingMapInPde, pagingMapInPte, pagingInitWalk/pagingGetNext).
package guestpaging

import "github.com/splitvt/hypervisor/internal/memory"

const (
	entriesPerTable = 1024
	pageSize4K      = 0x1000
	pageSize4M      = 0x400000

	pdeIndexMask = 0xFFC00000
	pdeIndexShift = 22
	pteIndexMask  = 0x003FF000
	pteIndexShift = 12
	pageOffsetMask = 0x00000FFF
)

// bit positions shared by PDE and PTE (32-bit non-PAE format).
const (
	bitPresent = 1 << 0
	bitPS      = 1 << 7 // PDE only: page size (4 MiB large page)
)

// Entry is one raw 32-bit guest PDE/PTE, read/written through a
// memory.Space exactly like ept.Entry — the walker never mutates these, it
// only observes (spec.md §4.1: "The walker never mutates these").
type Entry struct {
	Space  memory.Space
	Offset int64
}

func (e Entry) raw() uint32 {
	v, err := memory.ReadUint32(e.Space, e.Offset)
	if err != nil {
		panic(err)
	}
	return v
}

// Present reports the entry's P bit.
func (e Entry) Present() bool { return e.raw()&bitPresent != 0 }

// PageSize reports the PDE's PS bit (meaningless for a PTE).
func (e Entry) PageSize() bool { return e.raw()&bitPS != 0 }

// SmallPageTableFrame returns the physical frame number of the 4 KiB page
// table this (small-page) PDE references: bits 31:12.
func (e Entry) SmallPageTableFrame() uint32 { return e.raw() >> 12 }

// LargePageFrame returns the physical frame number of the 4 MiB page this
// (large-page) PDE maps: bits 31:22.
func (e Entry) LargePageFrame() uint32 { return e.raw() >> 22 }

// PageFrame returns a PTE's physical frame number: bits 31:12.
func (e Entry) PageFrame() uint32 { return e.raw() >> 12 }

// pdeOffset returns (pdePhysAddr) for cr3/gva, per pagingMapInPdeDirql:
// pdeOff = (gva & 0xFFC00000) >> 22; phys = (cr3 & ~0xFFF) + pdeOff*4.
func pdeOffset(gva uint32) uint32 { return (gva & pdeIndexMask) >> pdeIndexShift }

func pdePhysAddr(cr3 uint32, gva uint32) int64 {
	return int64((cr3 &^ 0xFFF) + pdeOffset(gva)*4)
}

// MapPDE maps in the PDE governing gva under cr3. Always succeeds against a
// valid guest-physical Space (mirrors "guaranteed non-null unless mapping
// fails" — here, a failing read panics the same way any other internal
// bounds violation does, since Space is the module's own simulated guest
// memory, not untrusted input).
func MapPDE(space memory.Space, cr3 uint32, gva uint32) Entry {
	return Entry{Space: space, Offset: pdePhysAddr(cr3, gva)}
}

// MapPTE walks the PDE first. Returns ok=false if the PDE is not present or
// marks a large page; otherwise maps the PTE slot. Matches
// pagingMapInPteDirql.
func MapPTE(space memory.Space, cr3 uint32, gva uint32) (pte Entry, ok bool) {
	pde := MapPDE(space, cr3, gva)
	if pde.PageSize() || !pde.Present() {
		return Entry{}, false
	}

	pteOff := (gva & pteIndexMask) >> pteIndexShift
	ptePhys := int64(pde.SmallPageTableFrame())<<12 + int64(pteOff)*4
	return Entry{Space: space, Offset: ptePhys}, true
}

// Cursor iterates (pdeOff, pteOff) pairs whose translation currently maps a
// target guest physical address, covering both 4 MiB and 4 KiB cases.
// Mirrors pagingInitWalk/pagingGetNext's PageWalkContext exactly, as a
// reentrant value type rather than a heap-allocated context — "the walker is
// reentrant; no global state beyond the arena" (spec.md §4.1).
type Cursor struct {
	space  memory.Space
	cr3    uint32
	target uint32

	pdeOff int
	pteOff int
	inPTE  bool
}

// NewCursor starts a walk for gpa under cr3.
func NewCursor(space memory.Space, cr3 uint32, gpa uint32) *Cursor {
	return &Cursor{space: space, cr3: cr3, target: gpa}
}

func (c *Cursor) pdeAt(i int) Entry {
	phys := int64(c.cr3&^0xFFF) + int64(i)*4
	return Entry{Space: c.space, Offset: phys}
}

func (c *Cursor) pteAt(tableFrame uint32, i int) Entry {
	phys := int64(tableFrame)<<12 + int64(i)*4
	return Entry{Space: c.space, Offset: phys}
}

// Next returns the next guest virtual address mapping the cursor's target
// physical address, or ok=false when the walk is exhausted.
func (c *Cursor) Next() (va uint32, ok bool) {
	for c.pdeOff < entriesPerTable {
		pde := c.pdeAt(c.pdeOff)

		if c.inPTE {
			tableFrame := pde.SmallPageTableFrame()
			for ; c.pteOff < entriesPerTable; c.pteOff++ {
				pte := c.pteAt(tableFrame, c.pteOff)
				if pte.PageFrame() == c.target>>12 {
					result := uint32(c.pdeOff<<pdeIndexShift) | uint32(c.pteOff<<pteIndexShift) | (c.target & pageOffsetMask)
					c.pteOff++
					return result, true
				}
			}
			c.inPTE = false
			c.pteOff = 0
			c.pdeOff++
			continue
		}

		if pde.PageSize() {
			if c.target>>22 == pde.LargePageFrame() {
				result := uint32(c.pdeOff<<pdeIndexShift) | (c.target & 0x003FFFFF)
				c.pdeOff++
				return result, true
			}
			c.pdeOff++
			continue
		}

		if pde.Present() {
			c.inPTE = true
			c.pteOff = 0
			continue
		}

		c.pdeOff++
	}

	return 0, false
}
