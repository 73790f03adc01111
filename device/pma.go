package device

import (
	"fmt"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// Allocator hands out packet memory regions with a bump pointer that starts
// just past the buffer descriptor table. Regions are never freed; Reset
// rewinds the pointer when the bus is reset.
type Allocator struct {
	base uint16
	head uint16
	size uint16
}

// NewAllocator returns an allocator for a packet memory of size bytes whose
// descriptor table holds endpoints entries.
func NewAllocator(size uint16, endpoints int) *Allocator {
	base := uint16(endpoints * hal.DescriptorTableEntrySize)
	return &Allocator{base: base, head: base, size: size}
}

// Alloc reserves n bytes and returns their offset. The head does not move
// when the request does not fit.
func (a *Allocator) Alloc(n uint16) (uint16, error) {
	if uint32(a.head)+uint32(n) > uint32(a.size) {
		pkg.LogError(pkg.ComponentPMA, "packet memory exhausted",
			"request", n, "head", a.head, "size", a.size)
		return 0, fmt.Errorf("%w: %d bytes at offset %d of %d", pkg.ErrPMAOverflow, n, a.head, a.size)
	}
	offset := a.head
	a.head += n
	pkg.LogDebug(pkg.ComponentPMA, "allocated", "offset", offset, "size", n)
	return offset, nil
}

// Reset rewinds the allocator to the end of the descriptor table.
func (a *Allocator) Reset() { a.head = a.base }

// Base returns the first allocatable offset.
func (a *Allocator) Base() uint16 { return a.base }

// Used returns the number of bytes allocated since the last reset.
func (a *Allocator) Used() uint16 { return a.head - a.base }

// Free returns the number of bytes still available.
func (a *Allocator) Free() uint16 { return a.size - a.head }

// Mark returns the current head for a later Release.
func (a *Allocator) Mark() uint16 { return a.head }

// Release returns every region allocated since mark was taken. Marks
// outside the allocated range are ignored.
func (a *Allocator) Release(mark uint16) {
	if mark >= a.base && mark <= a.head {
		a.head = mark
	}
}
