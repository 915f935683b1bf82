package guestpaging

import (
	"encoding/binary"
	"testing"

	"github.com/splitvt/hypervisor/internal/memory"
)

// writeSmallEntry writes a present, small-page PDE/PTE: bits 31:12 give the
// referenced frame number (a page table frame for a PDE, a 4 KiB physical
// frame for a PTE).
func writeSmallEntry(t *testing.T, space memory.Space, phys int64, frame uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], (frame<<12)|bitPresent)
	if _, err := space.WriteAt(b[:], phys); err != nil {
		t.Fatalf("WriteAt(%#x): %v", phys, err)
	}
}

// writeLargeEntry writes a present PDE with PS=1: bits 31:22 give the 4 MiB
// frame number.
func writeLargeEntry(t *testing.T, space memory.Space, phys int64, frame4MiB uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], (frame4MiB<<22)|bitPresent|bitPS)
	if _, err := space.WriteAt(b[:], phys); err != nil {
		t.Fatalf("WriteAt(%#x): %v", phys, err)
	}
}

func TestMapPTEWalksPresentSmallPage(t *testing.T) {
	space := memory.NewFlat(0x10000)
	const cr3 = 0x1000
	const gva = 0x00402000 // pdeOff=1, pteOff=2

	writeSmallEntry(t, space, cr3+1*4, 0x2) // PDE -> PT at frame 2 (phys 0x2000)
	writeSmallEntry(t, space, 0x2000+2*4, 0x9)

	pte, ok := MapPTE(space, cr3, gva)
	if !ok {
		t.Fatal("MapPTE returned ok=false for a present, small-page mapping")
	}
	if got := pte.PageFrame(); got != 0x9 {
		t.Errorf("PageFrame() = %#x, want 0x9", got)
	}
}

func TestMapPTENotPresentPDE(t *testing.T) {
	space := memory.NewFlat(0x10000)
	const cr3 = 0x1000

	if _, ok := MapPTE(space, cr3, 0x00402000); ok {
		t.Error("MapPTE succeeded against an all-zero (not-present) PDE")
	}
}

func TestMapPTELargePageRejected(t *testing.T) {
	space := memory.NewFlat(0x10000)
	const cr3 = 0x1000

	writeLargeEntry(t, space, cr3+1*4, 0x10) // large page PDE

	if _, ok := MapPTE(space, cr3, 0x00402000); ok {
		t.Error("MapPTE succeeded against a 4 MiB (PS=1) PDE, want ok=false")
	}
}

// TestCursorFindsEveryVirtualMappingTargetPhys covers the
// iterate_all_virtuals_for operation spec.md §4.1 requires: every guest
// virtual address whose translation currently resolves a given guest
// physical page, across small-page PTEs in two different page tables.
func TestCursorFindsEveryVirtualMappingTargetPhys(t *testing.T) {
	space := memory.NewFlat(0x200000)
	const cr3 = 0x1000
	const targetFrame = 0x77
	const targetPhys = targetFrame << 12

	// Two distinct mappings to the same physical frame: PDE 0/PTE 5, and
	// PDE 3/PTE 200, each backed by its own page table.
	writeSmallEntry(t, space, cr3+0*4, 0x10)
	writeSmallEntry(t, space, 0x10000+5*4, targetFrame)

	writeSmallEntry(t, space, cr3+3*4, 0x20)
	writeSmallEntry(t, space, 0x20000+200*4, targetFrame)

	// A large page elsewhere, covering an unrelated 4 MiB frame, must not
	// be mistaken for a match.
	writeLargeEntry(t, space, cr3+7*4, 0x3)

	c := NewCursor(space, cr3, targetPhys)

	var got []uint32
	for {
		va, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, va)
	}

	want := []uint32{
		(0 << pdeIndexShift) | (5 << pteIndexShift),
		(3 << pdeIndexShift) | (200 << pteIndexShift),
	}
	if len(got) != len(want) {
		t.Fatalf("Next() produced %d addresses (%v), want %d (%v)", len(got), got, len(want), want)
	}
	for i, va := range got {
		if va != want[i] {
			t.Errorf("va[%d] = %#x, want %#x", i, va, want[i])
		}
	}
}

func TestCursorExhaustedWhenNoMappingMatches(t *testing.T) {
	space := memory.NewFlat(0x10000)
	const cr3 = 0x1000

	c := NewCursor(space, cr3, 0x55000)
	if _, ok := c.Next(); ok {
		t.Error("Next() found a match against an all-zero page directory, want ok=false")
	}
}

func TestCursorFindsLargePageMapping(t *testing.T) {
	space := memory.NewFlat(0x10000)
	const cr3 = 0x1000
	const targetFrame4MiB = 1
	const targetPhys = targetFrame4MiB << 22

	writeLargeEntry(t, space, cr3+2*4, targetFrame4MiB)

	c := NewCursor(space, cr3, targetPhys)
	va, ok := c.Next()
	if !ok {
		t.Fatal("Next() did not find the large-page mapping")
	}
	if want := uint32(2 << pdeIndexShift); va != want {
		t.Errorf("va = %#x, want %#x", va, want)
	}
	if _, ok := c.Next(); ok {
		t.Error("Next() returned a second match, want exhausted")
	}
}
