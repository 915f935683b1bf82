// Package peimage parses a PE image resident in guest memory and computes
// the relocation-compensated checksum over its executable sections, in two
// variants: one that walks the live guest paging structures, one that walks
// a caller-supplied array of physical frames (the split engine's code-view
// copy). Ported from original_source/pe.c.
package peimage

import (
	"encoding/binary"
	"fmt"

	"github.com/splitvt/hypervisor/internal/guestpaging"
	"github.com/splitvt/hypervisor/internal/memory"
)

const (
	dosSignature    = 0x5A4D // "MZ"
	peSignature     = 0x00004550
	peOffsetField   = 0x3C
	coffHeaderSize  = 20
	optMagicPE32    = 0x10b
	optMagicPE32p   = 0x20b
	sizeOfImageOff  = 56 // identical position in PE32 and PE32+
	sectionHdrSize  = 40
	scnMemExecute   = 0x20000000
	pageSize        = 0x1000
)

// SectionHeader is the subset of IMAGE_SECTION_HEADER this module needs.
type SectionHeader struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	SizeOfRawData   uint32
	Characteristics uint32
}

// Executable reports whether this section should be included in the
// checksum: IMAGE_SCN_MEM_EXECUTE set and name != "INIT" (matching
// peGetNumExecSections/peGetExecSections).
func (s SectionHeader) Executable() bool {
	return s.Characteristics&scnMemExecute != 0 && s.Name != "INIT"
}

// Image is the parsed result of Parse: image size and every section header.
type Image struct {
	ImageBase   uint64
	SizeOfImage uint32
	Sections    []SectionHeader
}

// ExecutableSections returns the sections Executable() selects. Empty if
// none are executable (spec.md §4.2: "No section marked executable ⇒ return
// checksum 0, numExecSections 0").
func (img *Image) ExecutableSections() []SectionHeader {
	var out []SectionHeader
	for _, s := range img.Sections {
		if s.Executable() {
			out = append(out, s)
		}
	}
	return out
}

func readCString8(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Parse reads a PE image header at offset base within space. space is a
// contiguous view addressed by RVA from base (i.e. base+section.VirtualAddress
// locates that section's bytes) — the host pointer a caller obtains by
// mapping in the guest image header, per spec.md §4.2.
func Parse(space memory.Space, base int64) (*Image, error) {
	var hdr [64]byte
	if _, err := space.ReadAt(hdr[:], base); err != nil {
		return nil, fmt.Errorf("peimage: read DOS header: %w", err)
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != dosSignature {
		return nil, fmt.Errorf("peimage: MZ signature mismatch")
	}

	lfanew := int64(binary.LittleEndian.Uint32(hdr[peOffsetField:]))
	peBase := base + lfanew

	var sig [4]byte
	if _, err := space.ReadAt(sig[:], peBase); err != nil {
		return nil, fmt.Errorf("peimage: read PE signature: %w", err)
	}
	if binary.LittleEndian.Uint32(sig[:]) != peSignature {
		return nil, fmt.Errorf("peimage: PE signature mismatch")
	}

	var coff [coffHeaderSize]byte
	if _, err := space.ReadAt(coff[:], peBase+4); err != nil {
		return nil, fmt.Errorf("peimage: read COFF header: %w", err)
	}
	numSections := int(binary.LittleEndian.Uint16(coff[2:4]))
	sizeOfOptionalHeader := int64(binary.LittleEndian.Uint16(coff[16:18]))

	optBase := peBase + 4 + coffHeaderSize
	var magic [2]byte
	if _, err := space.ReadAt(magic[:], optBase); err != nil {
		return nil, fmt.Errorf("peimage: read optional header magic: %w", err)
	}
	isPE32Plus := binary.LittleEndian.Uint16(magic[:]) == optMagicPE32p

	var imageBase uint64
	if isPE32Plus {
		var b [8]byte
		if _, err := space.ReadAt(b[:], optBase+24); err != nil {
			return nil, fmt.Errorf("peimage: read ImageBase: %w", err)
		}
		imageBase = binary.LittleEndian.Uint64(b[:])
	} else {
		var b [4]byte
		if _, err := space.ReadAt(b[:], optBase+28); err != nil {
			return nil, fmt.Errorf("peimage: read ImageBase: %w", err)
		}
		imageBase = uint64(binary.LittleEndian.Uint32(b[:]))
	}

	var sizeBuf [4]byte
	if _, err := space.ReadAt(sizeBuf[:], optBase+sizeOfImageOff); err != nil {
		return nil, fmt.Errorf("peimage: read SizeOfImage: %w", err)
	}
	sizeOfImage := binary.LittleEndian.Uint32(sizeBuf[:])

	sectionBase := optBase + sizeOfOptionalHeader
	sections := make([]SectionHeader, 0, numSections)
	for i := 0; i < numSections; i++ {
		var raw [sectionHdrSize]byte
		off := sectionBase + int64(i)*sectionHdrSize
		if _, err := space.ReadAt(raw[:], off); err != nil {
			return nil, fmt.Errorf("peimage: read section header %d: %w", i, err)
		}
		sections = append(sections, SectionHeader{
			Name:            readCString8(raw[0:8]),
			VirtualSize:     binary.LittleEndian.Uint32(raw[8:12]),
			VirtualAddress:  binary.LittleEndian.Uint32(raw[12:16]),
			SizeOfRawData:   binary.LittleEndian.Uint32(raw[16:20]),
			Characteristics: binary.LittleEndian.Uint32(raw[36:40]),
		})
	}

	return &Image{ImageBase: imageBase, SizeOfImage: sizeOfImage, Sections: sections}, nil
}

// RelocationBlock mirrors one IMAGE_BASE_RELOCATION block: an 8-byte header
// (VirtualAddress, SizeOfBlock) followed by (SizeOfBlock-8)/2 uint16 entries.
// SizeOfBlock == 0 terminates the list (spec.md §4.2).
type RelocationBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// RelocationCount walks the .reloc section (if present) at relocBase within
// space and returns sum((block.SizeOfBlock-8)/2) - numBlocks, per
// peGetNumberOfRelocs and spec.md's Open Question #2 — implemented exactly
// as specified, not "corrected".
func RelocationCount(space memory.Space, relocBase int64, relocSize uint32) (int, error) {
	var total, blocks int
	var off int64

	for off < int64(relocSize) {
		var hdr [8]byte
		if _, err := space.ReadAt(hdr[:], relocBase+off); err != nil {
			return 0, fmt.Errorf("peimage: read reloc block header: %w", err)
		}
		sizeOfBlock := binary.LittleEndian.Uint32(hdr[4:8])
		if sizeOfBlock == 0 {
			break
		}
		entries := int((sizeOfBlock - 8) / 2)
		total += entries
		blocks++
		off += int64(sizeOfBlock)
	}

	return total - blocks, nil
}

// PageReader returns up to pageSize bytes backing the 4 KiB page containing
// va, or ok=false if the page isn't currently resolvable. The two checksum
// variants in spec.md §4.2 differ only in how this function is built.
type PageReader func(va uint32) (page []byte, ok bool)

// GuestPagingReader builds a PageReader that walks the live guest page
// tables (guestpaging.MapPTE) under cr3, reading the resolved physical frame
// out of guestPhys. This is the "live guest paging" checksum variant.
func GuestPagingReader(guestPhys memory.Space, cr3 uint32) PageReader {
	return func(va uint32) ([]byte, bool) {
		pte, ok := guestpaging.MapPTE(guestPhys, cr3, va)
		if !ok || !pte.Present() {
			return nil, false
		}
		phys := int64(pte.PageFrame()) << 12
		buf := make([]byte, pageSize)
		if _, err := guestPhys.ReadAt(buf, phys); err != nil {
			return nil, false
		}
		return buf, true
	}
}

// FramesReader builds a PageReader over a caller-supplied mapping from
// guest virtual page to physical frame address — the "code-view kept by the
// split engine" checksum variant (spec.md §4.2's second variant).
func FramesReader(phys memory.Space, frameOf func(va uint32) (physAddr int64, ok bool)) PageReader {
	return func(va uint32) ([]byte, bool) {
		addr, ok := frameOf(va)
		if !ok {
			return nil, false
		}
		buf := make([]byte, pageSize)
		if _, err := phys.ReadAt(buf, addr); err != nil {
			return nil, false
		}
		return buf, true
	}
}

// byteK returns byte k (0 = least significant) of delta.
func byteK(delta uint32, k int) byte {
	return byte(delta >> (8 * k))
}

// Checksum computes the relocation-compensated byte checksum over img's
// executable sections, reading page content through reader. imageBase is
// the guest virtual address the image is actually loaded at; delta is
// |imageBase - img.ImageBase| (the rebase distance). Matches
// peChecksumExecSections/peChecksumBkupExecSections exactly — the wrap-around
// uint32 addition is spec.md's explicitly "order-insensitive byte addition
// (wrap-around allowed)".
func Checksum(reader PageReader, img *Image, imageBase uint32, numRelocs int) uint32 {
	var sum uint32

	linked := uint32(img.ImageBase)
	var delta uint32
	if imageBase >= linked {
		delta = imageBase - linked
	} else {
		delta = linked - imageBase
	}

	for _, sec := range img.ExecutableSections() {
		secStart := imageBase + sec.VirtualAddress
		remaining := sec.VirtualSize

		for off := uint32(0); off < remaining; off += pageSize {
			va := secStart + off
			chunk := remaining - off
			if chunk > pageSize {
				chunk = pageSize
			}

			page, ok := reader(va &^ (pageSize - 1))
			if !ok {
				continue
			}

			pageOff := va & (pageSize - 1)
			end := pageOff + chunk
			if end > uint32(len(page)) {
				end = uint32(len(page))
			}
			for _, b := range page[pageOff:end] {
				sum += uint32(b)
			}
		}
	}

	for k := 0; k < 4; k++ {
		sum += uint32(numRelocs) * uint32(byteK(delta, k))
	}

	return sum
}
