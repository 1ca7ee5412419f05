// Package arena implements a one-way bump allocator over a single
// preallocated region. Allocations are 8-byte aligned, zero-initialized and
// never freed; the arena's lifetime equals the process lifetime. This keeps
// allocation latency bounded and eliminates fragmentation for a working set
// that is fixed at startup.
package arena

import (
	"errors"
	"fmt"
)

const (
	// alignment applied to every allocation size.
	alignment = 8

	// marker validates that a handle refers to a live, initialized arena.
	marker = 0xa55aa55a
)

var (
	ErrZeroSize    = errors.New("usbeval: arena allocation size is zero")
	ErrExhausted   = errors.New("usbeval: arena out of capacity")
	ErrInvalidSize = errors.New("usbeval: arena region too small")
	ErrBadHandle   = errors.New("usbeval: arena marker mismatch")
)

// Arena manages a raw memory region with a monotonically advancing break
// cursor. There is no release operation.
type Arena struct {
	mem    []byte
	brk    int    // next allocation offset
	remain int    // bytes still available
	marker uint32 // validity marker, set last during New
}

// New creates an arena managing totalSize bytes. It fails when totalSize
// does not leave room for at least one aligned allocation.
func New(totalSize int) (*Arena, error) {
	if totalSize <= alignment {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, totalSize)
	}

	a := &Arena{
		mem:    make([]byte, totalSize),
		remain: totalSize,
	}
	a.marker = marker // set only when fully initialized
	return a, nil
}

// Alloc returns a zeroed slice of exactly size bytes carved from the region.
// The cursor advances by the aligned size. O(1).
func (a *Arena) Alloc(size int) ([]byte, error) {
	if a == nil || a.marker != marker {
		return nil, ErrBadHandle
	}
	if size == 0 {
		return nil, ErrZeroSize
	}

	aligned := alignUp(size, alignment)
	if a.remain < aligned {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrExhausted, aligned, a.remain)
	}

	// The region starts zeroed and memory is never reused, so the slice is
	// zero-initialized without an explicit clear.
	buf := a.mem[a.brk : a.brk+size : a.brk+size]
	a.brk += aligned
	a.remain -= aligned

	return buf, nil
}

// Remaining reports the bytes still available for allocation.
func (a *Arena) Remaining() int { return a.remain }

// Total reports the size of the managed region.
func (a *Arena) Total() int { return len(a.mem) }

// alignUp rounds size up to the next multiple of align.
func alignUp(size, align int) int {
	rem := size % align
	if rem == 0 {
		return size
	}
	return size + (align - rem)
}
