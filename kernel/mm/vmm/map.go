package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrAlreadyMapped is returned by Map when the target page is already
	// mapped. The existing mapping is left untouched.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrIntermediateAllocationFailed is returned by Map when a frame for a
	// missing intermediate page table could not be allocated.
	ErrIntermediateAllocationFailed = &kernel.Error{Module: "vmm", Message: "unable to allocate frame for intermediate page table"}

	// ErrHugePageUnsupported is returned by Map when the walk reaches an
	// intermediate entry that maps a huge page.
	ErrHugePageUnsupported = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame and, if this is the active table, flushes the TLB entry for the
// page. Missing page tables at each paging level are allocated using the
// supplied frame allocator, cleared and installed as present and writable.
// Intermediate tables also become user-accessible if the requested flags
// include FlagUserAccessible.
//
// Map never replaces an existing mapping; if the page is already mapped it
// returns ErrAlreadyMapped. If an intermediate table cannot be allocated, Map
// returns ErrIntermediateAllocationFailed; any tables installed up to that
// point are kept.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	if !pt.initialized() {
		return ErrInvalidPageTable
	}

	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			if pt.active {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrHugePageUnsupported
				return false
			}

			pte.SetFlags(flags & FlagUserAccessible)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		newTableFrame, allocErr := alloc.AllocFrame()
		if allocErr != nil {
			err = ErrIntermediateAllocationFailed
			return false
		}

		kernel.Memset(pt.offset.Virt(newTableFrame.Address()), 0, mm.PageSize)

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
		return true
	})

	return err
}

// Unmap removes the mapping for the supplied page and returns the frame that
// the page was mapped to. The frame is not released. If this is the active
// table, the TLB entry for the page is flushed.
//
// Unmap returns ErrNotMapped if the page is not mapped.
func (pt *PageTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	pte, err := pt.leafEntry(page.Address())
	if err != nil {
		return mm.InvalidFrame, err
	}

	frame := pte.Frame()
	*pte = 0
	if pt.active {
		flushTLBEntryFn(page.Address())
	}

	return frame, nil
}
