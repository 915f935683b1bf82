package peimage

import (
	"encoding/binary"
	"testing"

	"github.com/splitvt/hypervisor/internal/memory"
)

// buildTestImage lays out a minimal single-section PE image across a flat
// guest-physical space: DOS/PE/COFF/optional headers and one executable
// section header at peHeaderGPA, a 32-bit non-PAE page table mapping the
// section's sole page, the section's raw bytes, and a .reloc block. Returns
// the parsed Image plus the addresses a test needs to build a PageReader.
func buildTestImage(t *testing.T, sectionData []byte) (space *memory.Flat, img *Image, cr3 uint32, sectionPhys int64) {
	t.Helper()

	const (
		peHeaderGPA          = 0
		lfanew               = 0x40
		sizeOfOptionalHeader = 96
		sectionRVA           = 0x1000
	)
	cr3 = 0x2000
	const (
		pteTablePhys = 0x5000
		sectionPhysC = 0x9000
		relocPhys    = 0xA000
	)
	sectionPhys = sectionPhysC

	space = memory.NewFlat(0x10000)

	// DOS header: "MZ" signature and e_lfanew.
	var dos [64]byte
	binary.LittleEndian.PutUint16(dos[0:2], dosSignature)
	binary.LittleEndian.PutUint32(dos[peOffsetField:], lfanew)
	mustWrite(t, space, peHeaderGPA, dos[:])

	peBase := int64(peHeaderGPA + lfanew)

	var sig [4]byte
	binary.LittleEndian.PutUint32(sig[:], peSignature)
	mustWrite(t, space, peBase, sig[:])

	// COFF header: NumberOfSections @2, SizeOfOptionalHeader @16.
	var coff [coffHeaderSize]byte
	binary.LittleEndian.PutUint16(coff[2:4], 1)
	binary.LittleEndian.PutUint16(coff[16:18], sizeOfOptionalHeader)
	mustWrite(t, space, peBase+4, coff[:])

	optBase := peBase + 4 + coffHeaderSize

	// Optional header: magic (PE32), ImageBase @28, SizeOfImage @56.
	var opt [sizeOfOptionalHeader]byte
	binary.LittleEndian.PutUint16(opt[0:2], optMagicPE32)
	binary.LittleEndian.PutUint32(opt[28:32], 0x01000000)
	binary.LittleEndian.PutUint32(opt[sizeOfImageOff:sizeOfImageOff+4], 0x00003000)
	mustWrite(t, space, optBase, opt[:])

	sectionBase := optBase + sizeOfOptionalHeader

	// Section header: name, VirtualSize, VirtualAddress, SizeOfRawData,
	// Characteristics (executable).
	var sec [sectionHdrSize]byte
	copy(sec[0:8], "CODE")
	binary.LittleEndian.PutUint32(sec[8:12], uint32(len(sectionData)))
	binary.LittleEndian.PutUint32(sec[12:16], sectionRVA)
	binary.LittleEndian.PutUint32(sec[16:20], uint32(len(sectionData)))
	binary.LittleEndian.PutUint32(sec[36:40], scnMemExecute)
	mustWrite(t, space, sectionBase, sec[:])

	parsed, err := Parse(space, peHeaderGPA)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Guest page tables for loadedBase+sectionRVA = 0x01201000: PDE index
	// 4 (bits 31:22), PTE index 513 (bits 21:12), both page-aligned so the
	// section's one page is entirely resolved by a single PDE/PTE pair.
	const loadedVA = 0x01200000 + sectionRVA
	pdeOff := (loadedVA & 0xFFC00000) >> 22
	pteOff := (loadedVA & 0x003FF000) >> 12

	pdePhys := int64(cr3&^0xFFF) + int64(pdeOff)*4
	mustWrite(t, space, pdePhys, encodeEntry(pteTablePhys>>12))

	ptePhys := int64(pteTablePhys) + int64(pteOff)*4
	mustWrite(t, space, ptePhys, encodeEntry(uint32(sectionPhys)>>12))

	mustWrite(t, space, sectionPhys, sectionData)

	// .reloc: one block, header {VA=sectionRVA, SizeOfBlock=16} + 4 raw uint16
	// entries. RelocationCount reports total-entries minus block-count
	// (spec.md's Open Question #2, matching peGetNumberOfRelocs's
	// "numRelocs - i" literally) so a block with 4 raw entries is the one
	// that yields the "3 HIGHLOW entries" spec.md §8 scenario 3 names.
	var reloc [16]byte
	binary.LittleEndian.PutUint32(reloc[0:4], sectionRVA)
	binary.LittleEndian.PutUint32(reloc[4:8], 16)
	binary.LittleEndian.PutUint16(reloc[8:10], 0x3000)
	binary.LittleEndian.PutUint16(reloc[10:12], 0x3004)
	binary.LittleEndian.PutUint16(reloc[12:14], 0x3008)
	binary.LittleEndian.PutUint16(reloc[14:16], 0x300C)
	mustWrite(t, space, relocPhys, reloc[:])

	return space, parsed, cr3, sectionPhys
}

func encodeEntry(frame uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], (frame<<12)|1) // present
	return b[:]
}

func mustWrite(t *testing.T, space memory.Space, off int64, p []byte) {
	t.Helper()
	if _, err := space.WriteAt(p, off); err != nil {
		t.Fatalf("WriteAt(%#x): %v", off, err)
	}
}

func TestParseExecutableSections(t *testing.T) {
	sectionData := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	_, img, _, _ := buildTestImage(t, sectionData)

	if got := len(img.ExecutableSections()); got != 1 {
		t.Fatalf("ExecutableSections() has %d entries, want 1", got)
	}
	if got := img.ImageBase; got != 0x01000000 {
		t.Errorf("ImageBase = %#x, want 0x01000000", got)
	}
}

func TestRelocationCount(t *testing.T) {
	const relocPhys = 0xA000
	space := memory.NewFlat(0x10000)

	var reloc [16]byte
	binary.LittleEndian.PutUint32(reloc[4:8], 16)
	binary.LittleEndian.PutUint16(reloc[8:10], 0x3000)
	binary.LittleEndian.PutUint16(reloc[10:12], 0x3004)
	binary.LittleEndian.PutUint16(reloc[12:14], 0x3008)
	binary.LittleEndian.PutUint16(reloc[14:16], 0x300C)
	mustWrite(t, space, relocPhys, reloc[:])

	got, err := RelocationCount(space, relocPhys, 16)
	if err != nil {
		t.Fatalf("RelocationCount: %v", err)
	}
	if got != 3 {
		t.Errorf("RelocationCount = %d, want 3 (4 raw entries - 1 block)", got)
	}
}

// TestChecksumRebaseInvariance covers spec.md §8 scenario 3: a PE linked at
// 0x01000000 loaded at 0x01200000, one executable section, numRelocs=3
// (spec.md's literal "1 reloc-block with 3 HIGHLOW entries"). Expected
// checksum = sum_of_bytes + 3*(delta byte 0) + 3*(delta byte 1) +
// 3*(delta byte 2) + 3*(delta byte 3), delta = 0x00200000.
func TestChecksumRebaseInvariance(t *testing.T) {
	sectionData := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	space, img, cr3, _ := buildTestImage(t, sectionData)

	const loadedBase = 0x01200000
	const numRelocs = 3

	var sumOfBytes uint32
	for _, b := range sectionData {
		sumOfBytes += uint32(b)
	}
	const delta = loadedBase - 0x01000000 // 0x00200000
	want := sumOfBytes +
		numRelocs*byte0(delta) +
		numRelocs*byte1(delta) +
		numRelocs*byte2(delta) +
		numRelocs*byte3(delta)
	if want != 232 {
		t.Fatalf("test fixture arithmetic error: want literal 232, computed %d", want)
	}

	reader := GuestPagingReader(space, cr3)
	got := Checksum(reader, img, loadedBase, numRelocs)
	if got != want {
		t.Errorf("Checksum() = %d, want %d", got, want)
	}
}

func byte0(delta uint32) uint32 { return uint32(byteK(delta, 0)) }
func byte1(delta uint32) uint32 { return uint32(byteK(delta, 1)) }
func byte2(delta uint32) uint32 { return uint32(byteK(delta, 2)) }
func byte3(delta uint32) uint32 { return uint32(byteK(delta, 3)) }

// TestChecksumGuestPagingMatchesFrames asserts the two PageReader variants
// spec.md §4.2 describes (live guest paging vs. the split engine's
// code-view frame array) produce identical checksums when they resolve the
// same underlying bytes, as they must for the split engine's tamper check
// to be meaningful.
func TestChecksumGuestPagingMatchesFrames(t *testing.T) {
	sectionData := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03, 0x04}
	space, img, cr3, sectionPhys := buildTestImage(t, sectionData)

	const loadedBase = 0x01200000
	const numRelocs = 3

	viaGuestPaging := Checksum(GuestPagingReader(space, cr3), img, loadedBase, numRelocs)

	framesReader := FramesReader(space, func(va uint32) (int64, bool) {
		return sectionPhys, true
	})
	viaFrames := Checksum(framesReader, img, loadedBase, numRelocs)

	if viaGuestPaging != viaFrames {
		t.Errorf("ChecksumViaGuestPaging = %d, ChecksumViaFrames = %d, want equal", viaGuestPaging, viaFrames)
	}
}

func TestExecutableSectionsEmptyWhenNoneExecutable(t *testing.T) {
	sec := SectionHeader{Name: "DATA", Characteristics: 0}
	img := &Image{Sections: []SectionHeader{sec}}
	if got := img.ExecutableSections(); len(got) != 0 {
		t.Errorf("ExecutableSections() = %v, want empty", got)
	}
}

func TestExecutableSectionsExcludesINIT(t *testing.T) {
	sec := SectionHeader{Name: "INIT", Characteristics: scnMemExecute}
	if sec.Executable() {
		t.Error("INIT section marked executable, want excluded (spec.md §4.2)")
	}
}
