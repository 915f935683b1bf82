package metrics

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRecordExitTalliesByKind(t *testing.T) {
	r := New()
	r.RecordExit(ExitVMCALL)
	r.RecordExit(ExitVMCALL)
	r.RecordExit(ExitEPTViolation)

	snap := r.Snapshot()
	if got := snap.Exits[ExitVMCALL]; got != 2 {
		t.Errorf("ExitVMCALL tally = %d, want 2", got)
	}
	if got := snap.Exits[ExitEPTViolation]; got != 1 {
		t.Errorf("ExitEPTViolation tally = %d, want 1", got)
	}
	if got := snap.Exits[ExitCPUID]; got != 0 {
		t.Errorf("ExitCPUID tally = %d, want 0", got)
	}
}

func TestRecordMSRWriteBlocked(t *testing.T) {
	r := New()
	r.RecordMSRWriteBlocked()
	r.RecordMSRWriteBlocked()

	if got := r.Snapshot().MSRWritesBlocked; got != 2 {
		t.Errorf("MSRWritesBlocked = %d, want 2", got)
	}
}

func TestRecordSplitCountersOverwritesNotAccumulates(t *testing.T) {
	r := New()
	r.RecordSplitCounters(1, 2, 3, 4)
	r.RecordSplitCounters(10, 20, 30, 40)

	snap := r.Snapshot()
	if snap.EPTViolations != 10 || snap.CodeExits != 20 || snap.DataExits != 30 || snap.Thrashes != 40 {
		t.Errorf("snapshot = %+v, want the most recent values only", snap)
	}
}

func TestDumpWritesMagicVersionAndSnapshot(t *testing.T) {
	r := New()
	r.RecordExit(ExitCPUID)
	r.RecordSplitCounters(5, 6, 7, 8)

	var buf bytes.Buffer
	if err := Dump(&buf, r.Snapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	var gotMagic, gotVersion uint32
	if err := binary.Read(&buf, binary.LittleEndian, &gotMagic); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	if err := binary.Read(&buf, binary.LittleEndian, &gotVersion); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if gotMagic != Magic {
		t.Errorf("magic = %#x, want %#x", gotMagic, Magic)
	}
	if gotVersion != Version {
		t.Errorf("version = %d, want %d", gotVersion, Version)
	}

	var gotSnapshot Snapshot
	if err := binary.Read(&buf, binary.LittleEndian, &gotSnapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if gotSnapshot.Exits[ExitCPUID] != 1 {
		t.Errorf("dumped ExitCPUID = %d, want 1", gotSnapshot.Exits[ExitCPUID])
	}
	if gotSnapshot.EPTViolations != 5 {
		t.Errorf("dumped EPTViolations = %d, want 5", gotSnapshot.EPTViolations)
	}
}

func TestExitKindStringUnknownValue(t *testing.T) {
	if got := ExitKind(numExitKinds + 1).String(); got == "" {
		t.Error("String() for an out-of-range ExitKind returned empty")
	}
}
