package core

import (
	"fmt"

	"github.com/splitvt/hypervisor/internal/ept"
	"github.com/splitvt/hypervisor/internal/frame"
	"github.com/splitvt/hypervisor/internal/memory"
	"github.com/splitvt/hypervisor/internal/translation"
)

// decodeTranslationRecords reads the guest-constructed TranslationRecord
// array at gpa (spec.md §6's VMCALL_INIT_SPLIT payload), terminated by an
// entry whose DataPhys is zero, and builds one translation.Record per entry —
// demoting each record's CodePhys page in the identity map and clearing its
// PTE, exactly as init_split requires (spec.md §4.4: "After init_split...
// every r's PTE has Present=Write=Execute=0" — the clearing itself happens
// in splitengine.Engine.InitSplit; this only needs to produce records
// carrying a valid ept.Entry for InitSplit to operate on).
func decodeTranslationRecords(phys memory.Space, gpa int64, idmap *ept.IdentityMap) ([]*translation.Record, error) {
	var records []*translation.Record

	for i := 0; ; i++ {
		off := gpa + int64(i)*translationRecordWireSize
		var buf [translationRecordWireSize]byte
		if _, err := phys.ReadAt(buf[:], off); err != nil {
			return nil, fmt.Errorf("core: read translation record %d: %w", i, err)
		}

		va := leUint32(buf[0:4])
		codePhys := uint64(leUint32(buf[4:8]))
		dataPhys := uint64(leUint32(buf[8:12]))
		if dataPhys == 0 {
			break
		}

		pte, err := idmap.GetOrDemotePTE(codePhys)
		if err != nil {
			return nil, fmt.Errorf("core: demote code frame for va %#x: %w", va, err)
		}

		records = append(records, &translation.Record{
			VirtualAddress: va,
			CodePhys:       codePhys &^ (frame.PageSize - 1),
			DataPhys:       dataPhys &^ (frame.PageSize - 1),
			Mode:           translation.ModeCode,
			PTE:            pte,
		})
	}

	return records, nil
}

func newTranslationTable(records []*translation.Record) *translation.Table {
	return translation.NewTable(records)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
