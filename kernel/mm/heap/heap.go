// Package heap maps the kernel heap and manages it with a free-list allocator.
package heap

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/vmm"
)

const (
	// DefaultStart is the virtual address where the kernel heap is mapped.
	DefaultStart = uintptr(0x444444440000)

	// DefaultSize is the size of the kernel heap.
	DefaultSize = 100 * mm.Kb

	// heapPageFlags are the flags used for mapping heap pages: writable,
	// kernel-only and non-executable.
	heapPageFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
)

var (
	// ErrUnalignedHeapStart is returned by Init when the heap start address
	// is not page aligned.
	ErrUnalignedHeapStart = &kernel.Error{Module: "heap", Message: "heap start address is not page aligned"}

	// ErrHeapTooSmall is returned by Init when the heap size is smaller than
	// a page.
	ErrHeapTooSmall = &kernel.Error{Module: "heap", Message: "heap size must be at least one page"}

	// ErrMappingConflict is returned by Init when a heap page is already
	// mapped.
	ErrMappingConflict = &kernel.Error{Module: "heap", Message: "heap range overlaps an existing mapping"}

	// ErrAllocationFailure is returned by Init when a frame for a heap page
	// or for one of the page tables that map it could not be allocated.
	ErrAllocationFailure = &kernel.Error{Module: "heap", Message: "unable to allocate physical memory for the heap"}
)

// Mapper is implemented by page tables that can install and remove
// page-to-frame mappings.
type Mapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error
	Unmap(page mm.Page) (mm.Frame, *kernel.Error)
}

// Options controls the behavior of InitWithOptions.
type Options struct {
	// RollbackOnFailure unmaps the pages installed by a failed Init call
	// before returning the error. The frames backing them are not
	// returned to the frame allocator.
	RollbackOnFailure bool
}

// Init maps size/mm.PageSize consecutive pages starting at start, each one
// backed by a frame obtained from alloc, and returns an Allocator that
// manages the mapped range. Any remainder of size that does not fill a whole
// page is ignored.
//
// Init stops at the first error. Pages mapped before the failure are left in
// place; use InitWithOptions to remove them. Callers should treat any error
// as fatal.
func Init(m Mapper, alloc mm.FrameAllocator, start uintptr, size mm.Size) (*Allocator, *kernel.Error) {
	return InitWithOptions(m, alloc, start, size, Options{})
}

// InitWithOptions behaves like Init but allows the caller to customize the
// handling of failures.
func InitWithOptions(m Mapper, alloc mm.FrameAllocator, start uintptr, size mm.Size, opts Options) (*Allocator, *kernel.Error) {
	if start&(mm.PageSize-1) != 0 {
		return nil, ErrUnalignedHeapStart
	}

	pageCount := size.Pages()
	if pageCount == 0 {
		return nil, ErrHeapTooSmall
	}

	startPage := mm.PageFromAddress(start)
	for pageIndex := uintptr(0); pageIndex < pageCount; pageIndex++ {
		frame, err := alloc.AllocFrame()
		if err == nil {
			err = m.Map(startPage+mm.Page(pageIndex), frame, heapPageFlags, alloc)
		} else {
			err = ErrAllocationFailure
		}

		if err != nil {
			if opts.RollbackOnFailure {
				// rollback failures are logged by unmapPages
				_ = unmapPages(m, startPage, pageIndex)
			}
			return nil, heapError(err)
		}
	}

	return newAllocator(start, start+pageCount<<mm.PageShift), nil
}

// unmapPages removes the mappings for count pages starting at startPage.
// Pages that cannot be unmapped are logged and skipped; the first such error
// is returned.
func unmapPages(m Mapper, startPage mm.Page, count uintptr) *kernel.Error {
	var firstErr *kernel.Error
	for pageIndex := uintptr(0); pageIndex < count; pageIndex++ {
		page := startPage + mm.Page(pageIndex)
		if _, err := m.Unmap(page); err != nil {
			kfmt.Printf("[heap] rollback: unable to unmap page 0x%x: %s\n", page.Address(), err.Message)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// heapError translates a mapping error into the matching heap error.
func heapError(err *kernel.Error) *kernel.Error {
	switch err {
	case vmm.ErrAlreadyMapped, vmm.ErrHugePageUnsupported:
		return ErrMappingConflict
	case vmm.ErrIntermediateAllocationFailed:
		return ErrAllocationFailure
	default:
		return err
	}
}
