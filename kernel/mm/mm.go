// Package mm defines the units shared by the physical and virtual memory
// managers: physical frames, virtual pages and the frame allocator contract.
package mm

import (
	"gophermm/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. Each call to
// AllocFrame hands out a frame that has never been handed out before; once
// no frames are left, AllocFrame returns InvalidFrame and a non-nil error.
//
// Allocators are single-owner values: they are created once at boot and
// passed by pointer to every piece of code that needs frames.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
}

// FrameAllocatorFn adapts a plain function to the FrameAllocator interface.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) {
	return fn()
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}
