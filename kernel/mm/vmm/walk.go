package vmm

import (
	"gophermm/kernel/mm"
	"unsafe"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table's root. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. If walkFn returns false then the
// walk is aborted.
//
// Tables are reached through the physical memory offset mapping: the table
// at physical address p lives at virtual address offset+p. The address of the
// next table is read from the entry after walkFn returns, so walkFn may
// install a missing table and the walk will descend into it.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		pte                              *pageTableEntry
	)

	for level, tableAddr = uint8(0), pt.offset.Virt(pt.root.Address()); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)
		pte = (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		tableAddr = pt.offset.Virt(pte.Frame().Address())
	}
}
