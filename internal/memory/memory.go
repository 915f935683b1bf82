// Package memory provides the flat, addressable byte-space abstraction that
// every other package in this module reads guest and host structures
// through: guest physical memory, EPT-backed frames, and PE image bytes are
// all just a Space.
package memory

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Space is a randomly addressable byte range. It mirrors the teacher's
// hv.MemoryRegion (io.ReaderAt + io.WriterAt), generalized with an explicit
// Size so callers can bounds-check without probing.
type Space interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// Flat is a Space backed directly by a Go byte slice. It is used to model
// guest physical memory in tests and anywhere a real mmap-backed frame
// (see internal/frame) isn't required.
type Flat struct {
	buf []byte
}

// NewFlat allocates a zeroed Flat of the given size.
func NewFlat(size int) *Flat {
	return &Flat{buf: make([]byte, size)}
}

// NewFlatFrom wraps an existing slice without copying.
func NewFlatFrom(buf []byte) *Flat {
	return &Flat{buf: buf}
}

func (f *Flat) Size() int64 { return int64(len(f.buf)) }

func (f *Flat) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f.buf)) {
		return 0, fmt.Errorf("memory: read offset 0x%x out of range (size 0x%x)", off, len(f.buf))
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *Flat) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(f.buf)) {
		return 0, fmt.Errorf("memory: write offset 0x%x+0x%x out of range (size 0x%x)", off, len(p), len(f.buf))
	}
	return copy(f.buf[off:], p), nil
}

// Bytes exposes the backing slice directly. Used by frame.Arena to hand out
// pointer-equivalent offsets and by tests that want to poke raw content.
func (f *Flat) Bytes() []byte { return f.buf }

// ReadUint32 reads a little-endian uint32 at off.
func ReadUint32(s Space, off int64) (uint32, error) {
	var b [4]byte
	if _, err := s.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteUint32 writes a little-endian uint32 at off.
func WriteUint32(s Space, off int64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := s.WriteAt(b[:], off)
	return err
}

// ReadUint64 reads a little-endian uint64 at off.
func ReadUint64(s Space, off int64) (uint64, error) {
	var b [8]byte
	if _, err := s.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteUint64 writes a little-endian uint64 at off.
func WriteUint64(s Space, off int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := s.WriteAt(b[:], off)
	return err
}
