// Package frame implements the PageFrameArena: a pre-allocated pool of
// physically-backed 4 KiB frames handed out by bitmap linear scan. It exists
// because the split engine and the EPT demotion path both need to allocate
// page tables at elevated IRQL, where the ordinary allocator is unavailable —
// see paging.c's pagingInitMappingOperations/pagingAllocPage/pagingFreePage
// in original_source, which this package ports frame-for-frame.
package frame

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/splitvt/hypervisor/internal/memory"
)

// PageSize is the guest/host frame granularity throughout this module.
const PageSize = 0x1000

// ErrArenaExhausted is returned when no free frame remains.
var ErrArenaExhausted = fmt.Errorf("frame: arena exhausted")

// Arena is a process-wide pool of N physically-contiguous-in-intent 4 KiB
// frames plus an N-byte allocation bitmap, matching the PageFrameArena entity
// in spec.md §3 exactly: bitmap[i] ∈ {0,1}; index i's frame is base+i·4096;
// Free is idempotent for any index the caller owns.
type Arena struct {
	buf    []byte
	bitmap []byte
	n      int
}

// New allocates an arena of numPages 4 KiB frames. On Linux the backing
// memory is a real anonymous mmap, mirroring the teacher's
// hv/kvm.virtualMachine.AllocateMemory, and mlocked so the frames can never
// be paged out from under the split engine — the non-pageable requirement
// that in the original is satisfied by NonPagedPool allocations.
func New(numPages int) (*Arena, error) {
	if numPages <= 0 {
		return nil, fmt.Errorf("frame: numPages must be positive, got %d", numPages)
	}

	buf, err := unix.Mmap(-1, 0, numPages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap arena: %w", err)
	}
	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil, fmt.Errorf("frame: mlock arena: %w", err)
	}

	return &Arena{
		buf:    buf,
		bitmap: make([]byte, numPages),
		n:      numPages,
	}, nil
}

// Close releases the backing memory. Mirrors pagingEndMappingOperations.
func (a *Arena) Close() error {
	if err := unix.Munlock(a.buf); err != nil {
		return fmt.Errorf("frame: munlock arena: %w", err)
	}
	if err := unix.Munmap(a.buf); err != nil {
		return fmt.Errorf("frame: munmap arena: %w", err)
	}
	a.buf = nil
	a.bitmap = nil
	a.n = 0
	return nil
}

// NumPages returns the arena's total frame count.
func (a *Arena) NumPages() int { return a.n }

// Alloc returns the index of a free frame, marking it taken. Linear bitmap
// scan, exactly as pagingAllocPage does.
func (a *Arena) Alloc() (int, error) {
	for i := 0; i < a.n; i++ {
		if a.bitmap[i] == 0 {
			a.bitmap[i] = 1
			return i, nil
		}
	}
	return -1, ErrArenaExhausted
}

// Free marks index as available again. Idempotent: freeing an already-free
// index is a no-op, matching the PageFrameArena invariant in spec.md §3.
func (a *Arena) Free(index int) {
	if index < 0 || index >= a.n {
		return
	}
	a.bitmap[index] = 0
}

// FrameOffset returns the byte offset of frame index within the arena —
// the Go analogue of pagingAllocPage's `base + i*PAGE_SIZE` pointer return.
func (a *Arena) FrameOffset(index int) int64 {
	return int64(index) * PageSize
}

// Space exposes the arena's backing memory as a memory.Space so EPT tables
// and guest pages allocated from it can be read/written uniformly.
func (a *Arena) Space() memory.Space {
	return memory.NewFlatFrom(a.buf)
}

// FrameBytes returns a view of the numbered frame's bytes.
func (a *Arena) FrameBytes(index int) []byte {
	off := a.FrameOffset(index)
	return a.buf[off : off+PageSize]
}
