// Package ept implements the second-level address-translation layer: an
// identity-mapped PML4/PDPT/PD covering the first 4 GiB (NumPDPTEs) as 2 MiB
// leaves, demoted to 4 KiB page tables on demand for regions that need split
// behaviour. Ported from original_source/vmx/ept.c's
// InitEptIdentityMap/EptMapAddressToPteDirql.
//
// Every EPT table lives inside a frame.Arena frame; an Entry never holds a
// Go pointer into that frame, only the (memory.Space, byte offset) pair
// needed to read/write the raw 64-bit word — this is the "arena-plus-index"
// resolution to the cyclic-reference design note in spec.md §9.
package ept

import "github.com/splitvt/hypervisor/internal/memory"

// Bit layout of a PML4E/PDPTE/PDE/PTE, matching spec.md §3's entity
// description and the real Intel EPT entry format:
//
//	bit 0      Read/Present
//	bit 1      Write
//	bit 2      Execute
//	bits 3-5   MemoryType (WB = 6)
//	bit 6      IgnorePAT
//	bit 7      Size (PDE only: 1 = 2 MiB leaf, 0 = reference to a 512-entry table)
//	bits 12-51 PhysAddr (frame number, i.e. physical address >> 12)
const (
	bitPresent = 1 << 0
	bitWrite   = 1 << 1
	bitExecute = 1 << 2
	shiftMT    = 3
	maskMT     = 0x7
	bitIgnPAT  = 1 << 6
	bitSize    = 1 << 7
	shiftAddr  = 12
)

// MemoryTypeWB is the write-back EPT memory type used throughout this
// module, per spec.md's identity-map initialisation.
const MemoryTypeWB = 6

// Entry is a handle to one raw 64-bit EPT table entry stored at Offset
// within Space. All accessors read-modify-write through Space so the
// underlying frame is always the single source of truth (no cached copies
// can go stale across a demotion).
type Entry struct {
	Space  memory.Space
	Offset int64
}

func (e Entry) raw() uint64 {
	v, err := memory.ReadUint64(e.Space, e.Offset)
	if err != nil {
		// A read against a frame this module itself allocated can only fail
		// on a programming error (bad offset), not a runtime condition.
		panic(err)
	}
	return v
}

func (e Entry) setRaw(v uint64) {
	if err := memory.WriteUint64(e.Space, e.Offset, v); err != nil {
		panic(err)
	}
}

func (e Entry) Present() bool { return e.raw()&bitPresent != 0 }
func (e Entry) Write() bool   { return e.raw()&bitWrite != 0 }
func (e Entry) Execute() bool { return e.raw()&bitExecute != 0 }
func (e Entry) Size() bool    { return e.raw()&bitSize != 0 }
func (e Entry) IgnorePAT() bool {
	return e.raw()&bitIgnPAT != 0
}
func (e Entry) MemoryType() uint8 { return uint8((e.raw() >> shiftMT) & maskMT) }
func (e Entry) PhysAddr() uint64  { return (e.raw() >> shiftAddr) << shiftAddr }
func (e Entry) FrameNumber() uint64 {
	return e.raw() >> shiftAddr
}

func (e Entry) setBit(bit uint64, v bool) {
	r := e.raw()
	if v {
		r |= bit
	} else {
		r &^= bit
	}
	e.setRaw(r)
}

func (e Entry) SetPresent(v bool) { e.setBit(bitPresent, v) }
func (e Entry) SetWrite(v bool)   { e.setBit(bitWrite, v) }
func (e Entry) SetExecute(v bool) { e.setBit(bitExecute, v) }
func (e Entry) SetSize(v bool)    { e.setBit(bitSize, v) }
func (e Entry) SetIgnorePAT(v bool) {
	e.setBit(bitIgnPAT, v)
}

func (e Entry) SetMemoryType(mt uint8) {
	r := e.raw()
	r &^= maskMT << shiftMT
	r |= uint64(mt&maskMT) << shiftMT
	e.setRaw(r)
}

// SetFrameNumber sets PhysAddr via its frame number (PhysAddr = frameNumber << 12).
func (e Entry) SetFrameNumber(frameNumber uint64) {
	r := e.raw()
	r &^= ^uint64(0) << shiftAddr
	r |= (frameNumber << shiftAddr)
	e.setRaw(r)
}

// SetFullPermissions sets Present=Write=Execute=1, the identity-map default.
func (e Entry) SetFullPermissions() {
	e.SetPresent(true)
	e.SetWrite(true)
	e.SetExecute(true)
}

// ClearPermissions sets Present=Write=Execute=0, leaving PhysAddr intact —
// the non-present state every protected page starts split protocol in.
func (e Entry) ClearPermissions() {
	e.SetPresent(false)
	e.SetWrite(false)
	e.SetExecute(false)
}

// Clear zeroes the entry entirely.
func (e Entry) Clear() { e.setRaw(0) }
