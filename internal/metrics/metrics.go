// Package metrics accumulates the hypervisor core's exit and MSR-write
// counters and can dump them to the two flat files spec.md §6 names
// ("Optional logging dumps MSR-write counters and exit counts to two flat
// files whose size was requested via an earlier VMCALL"). Adapted from
// internal/timeslice's RegisterKind/Recorder pattern, trimmed down: this
// module has a small, fixed set of counters (VM-exit reasons plus the split
// engine's four tallies) rather than an open-ended registry of named
// slices, so plain atomic counters replace timeslice's binary-log writer
// thread.
package metrics

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// Magic/Version tag the dump file format, following internal/timeslice's
// TSLF convention.
const (
	Magic   uint32 = 0x54534d48 // "HMST"
	Version uint32 = 1
)

// ExitKind names one VM-exit reason class this module tallies (spec.md
// §4.5's dispatch table, collapsed to the categories worth counting).
type ExitKind int

const (
	ExitVMXInstruction ExitKind = iota
	ExitVMCALL
	ExitINVD
	ExitCPUID
	ExitMSRRead
	ExitMSRWrite
	ExitCRAccess
	ExitEPTViolation
	ExitTrap
	ExitEPTMisconfig
	ExitTripleFault
	ExitUnknown

	numExitKinds
)

func (k ExitKind) String() string {
	names := [...]string{
		"vmx-instruction", "vmcall", "invd", "cpuid", "msr-read", "msr-write",
		"cr-access", "ept-violation", "trap", "ept-misconfig", "triple-fault", "unknown",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("exitkind(%d)", k)
}

// Recorder holds the hypervisor's live counters. Safe for concurrent use,
// though spec.md §5 guarantees only one logical processor ever updates it.
type Recorder struct {
	exits            [numExitKinds]atomic.Uint64
	msrWritesBlocked atomic.Uint64

	eptViolations atomic.Uint64
	codeExits     atomic.Uint64
	dataExits     atomic.Uint64
	thrashes      atomic.Uint64
}

// New returns a zeroed Recorder.
func New() *Recorder { return &Recorder{} }

// RecordExit increments the tally for kind.
func (r *Recorder) RecordExit(kind ExitKind) {
	if int(kind) < len(r.exits) {
		r.exits[kind].Add(1)
	}
}

// RecordMSRWriteBlocked increments the blocked-write tally (config's MSR
// write block-list, spec.md §4.5).
func (r *Recorder) RecordMSRWriteBlocked() { r.msrWritesBlocked.Add(1) }

// RecordSplitCounters mirrors SplitContext's four counters (spec.md §3)
// into this recorder's snapshot, called once per measurement tick.
func (r *Recorder) RecordSplitCounters(eptViolations, codeExits, dataExits, thrashes uint64) {
	r.eptViolations.Store(eptViolations)
	r.codeExits.Store(codeExits)
	r.dataExits.Store(dataExits)
	r.thrashes.Store(thrashes)
}

// Snapshot is a point-in-time copy of every counter, suitable for dumping
// or logging.
type Snapshot struct {
	Exits            [numExitKinds]uint64
	MSRWritesBlocked uint64
	EPTViolations    uint64
	CodeExits        uint64
	DataExits        uint64
	Thrashes         uint64
}

// Snapshot reads every counter.
func (r *Recorder) Snapshot() Snapshot {
	var s Snapshot
	for i := range r.exits {
		s.Exits[i] = r.exits[i].Load()
	}
	s.MSRWritesBlocked = r.msrWritesBlocked.Load()
	s.EPTViolations = r.eptViolations.Load()
	s.CodeExits = r.codeExits.Load()
	s.DataExits = r.dataExits.Load()
	s.Thrashes = r.thrashes.Load()
	return s
}

// Dump writes a fixed-size binary record of the current snapshot to w —
// one of the "two flat files" spec.md §6 describes (the other being the
// MSR-write-counter file; both share this format, just a different
// Snapshot's worth of fields zeroed out by the caller if only one half is
// wanted).
func Dump(w io.Writer, s Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return fmt.Errorf("metrics: write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, Version); err != nil {
		return fmt.Errorf("metrics: write version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, s); err != nil {
		return fmt.Errorf("metrics: write snapshot: %w", err)
	}
	return nil
}
