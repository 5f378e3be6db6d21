package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

var (
	// ErrNotMapped is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not correspond
// to a mapped physical address. Addresses that belong to 1Gb or 2Mb pages
// are translated as well. The offset into a 4Kb page is always PageOffset
// of the virtual address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !pt.initialized() {
		return 0, ErrInvalidPageTable
	}

	var (
		err      = ErrNotMapped
		physAddr uintptr
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			// The remaining virtual address bits index into the
			// mapped page.
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	if err != nil {
		return 0, err
	}

	return physAddr, nil
}

// TranslatePage returns the frame that the supplied page is mapped to or
// ErrNotMapped if the page is not mapped.
func (pt *PageTable) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	physAddr, err := pt.Translate(page.Address())
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(physAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// leafEntry walks the hierarchy and returns the last level entry for
// virtAddr. It returns ErrNotMapped if any level is not present and
// ErrHugePageUnsupported if the address belongs to a huge page.
func (pt *PageTable) leafEntry(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	if !pt.initialized() {
		return nil, ErrInvalidPageTable
	}

	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			err = ErrNotMapped
			return false
		case pteLevel != pageLevels-1 && pte.HasFlags(FlagHugePage):
			err = ErrHugePageUnsupported
			return false
		}

		entry = pte
		return true
	})

	if err != nil {
		return nil, err
	}

	return entry, nil
}
