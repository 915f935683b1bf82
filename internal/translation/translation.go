// Package translation holds the TranslationRecord entity (spec.md §3): the
// per-page bookkeeping the split engine uses to decide which physical frame
// — code or data — is currently installed in a page's EPT PTE.
package translation

import "github.com/splitvt/hypervisor/internal/ept"

// Mode names which of a record's two backing frames is currently installed
// into its EPT PTE. Named-enum-with-String() following the teacher's
// Register/kvmExitReason idiom (internal/hv/common.go, internal/hv/kvm/kvm_defs.go).
type Mode uint8

const (
	ModeCode Mode = iota
	ModeData
)

func (m Mode) String() string {
	switch m {
	case ModeCode:
		return "code"
	case ModeData:
		return "data"
	default:
		return "mode(?)"
	}
}

// Record is one TranslationRecord: {VirtualAddress, CodePhys, DataPhys,
// Mode, EptPtePointer}. CodePhys is the frame backing the guest's original
// code view (locked against paging); DataPhys is the independently
// allocated frame holding the copy the split engine serves for data access.
type Record struct {
	VirtualAddress uint32
	CodePhys       uint64
	DataPhys       uint64
	Mode           Mode
	PTE            ept.Entry
}

// Table is the TranslationRecord array the external collaborator constructs
// per spec.md §3/§6: "the array is terminated by a record whose DataPhys ==
// 0." append grows it; the CR3-write handler uses this to add records for
// pages that weren't resident when protection began.
type Table struct {
	records []*Record
}

// NewTable wraps a slice of already-constructed records (DataPhys != 0 for
// every real entry; no sentinel is needed in the Go representation since
// len() replaces the original's null terminator).
func NewTable(records []*Record) *Table {
	return &Table{records: records}
}

// Records returns the live records (never includes a sentinel — Go slices
// carry their own length).
func (t *Table) Records() []*Record { return t.records }

// Append adds a new record, used by the CR3-write handler when a
// previously-unresolved page becomes resident (spec.md §4.4).
func (t *Table) Append(r *Record) { t.records = append(t.records, r) }

// FindByCodePhys returns the record whose CodePhys frame (masked to 4 KiB)
// matches gpa, or nil.
func (t *Table) FindByCodePhys(gpa uint64) *Record {
	page := gpa &^ 0xFFF
	for _, r := range t.records {
		if r.CodePhys == page {
			return r
		}
	}
	return nil
}

// FindByDataPhys returns the record whose DataPhys frame (masked to 4 KiB)
// matches gpa, or nil.
func (t *Table) FindByDataPhys(gpa uint64) *Record {
	page := gpa &^ 0xFFF
	for _, r := range t.records {
		if r.DataPhys == page {
			return r
		}
	}
	return nil
}

// FindByVirtualAddress returns the record for a given guest virtual page, or
// nil. Used by the CR3-write handler to decide whether a newly-resident page
// already has a record.
func (t *Table) FindByVirtualAddress(va uint32) *Record {
	page := va &^ 0xFFF
	for _, r := range t.records {
		if r.VirtualAddress&^0xFFF == page {
			return r
		}
	}
	return nil
}

// Lookup implements the EPT-violation handler's matching rule (spec.md
// §4.4 step 1): find the record owning the faulting guest-physical page,
// whichever of its two backing frames that turns out to be. The original
// gates this match on the record's current Mode (CodePhys when Mode=CODE,
// DataPhys when Mode=DATA); that gate is redundant here since CodePhys and
// DataPhys are guaranteed distinct per record (spec.md §8), so checking
// both unconditionally returns the same record the mode-gated version would
// — and, unlike the original, does not depend on Mode having already been
// set correctly by a prior resolution before this lookup runs (see
// DESIGN.md).
func (t *Table) Lookup(gpa uint64) *Record {
	page := gpa &^ 0xFFF
	for _, r := range t.records {
		if r.CodePhys == page || r.DataPhys == page {
			return r
		}
	}
	return nil
}
