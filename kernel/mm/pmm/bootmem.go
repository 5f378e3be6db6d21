// Package pmm provides the physical memory allocator used while the kernel
// boots.
package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/boot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	// ErrFramesExhausted is returned by AllocFrame once every usable frame
	// described by the memory catalog has been handed out.
	ErrFramesExhausted = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator uses the memory catalog provided by the bootloader to detect
// free memory blocks. Its only state is the number of frames handed out so
// far: each AllocFrame call locates the next-th frame across the usable
// regions (in catalog order, ascending within a region) and then advances
// the counter. Regions are rounded inwards to frame boundaries; regions
// smaller than a frame contribute nothing.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames.
type BootMemAllocator struct {
	regions boot.MemoryMap

	// next is the number of frames allocated so far and the index of the
	// frame that the next AllocFrame call will return.
	next uint64
}

// NewBootMemAllocator returns an allocator that hands out the frames contained
// in the usable regions of the supplied catalog.
func NewBootMemAllocator(regions boot.MemoryMap) BootMemAllocator {
	return BootMemAllocator{regions: regions}
}

// AllocFrame reserves the next available free frame.
//
// AllocFrame returns ErrFramesExhausted if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	remaining := alloc.next
	for _, region := range alloc.regions {
		startFrame, frameCount := usableFrames(region)
		if remaining < frameCount {
			alloc.next++
			return startFrame + mm.Frame(remaining), nil
		}
		remaining -= frameCount
	}

	return mm.InvalidFrame, ErrFramesExhausted
}

// AllocatedFrames returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocatedFrames() uint64 {
	return alloc.next
}

// UsableFrames returns the total number of frames that the allocator can ever
// hand out.
func (alloc *BootMemAllocator) UsableFrames() uint64 {
	var total uint64
	for _, region := range alloc.regions {
		_, frameCount := usableFrames(region)
		total += frameCount
	}
	return total
}

// PrintMemoryMap prints out the system's memory map and the allocator totals.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	alloc.regions.VisitRegions(func(region *boot.MemoryRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.Len(), region.Type.String())
		return true
	})

	usable := mm.Size(alloc.regions.TotalBytes(boot.RegionUsable))
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(usable/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] usable frames: %d, allocated frames: %d\n", alloc.UsableFrames(), alloc.AllocatedFrames())
}

// usableFrames returns the first frame and the number of frames that region
// contributes to the allocator.
func usableFrames(region boot.MemoryRegion) (mm.Frame, uint64) {
	if region.Type != boot.RegionUsable {
		return mm.InvalidFrame, 0
	}

	// Reported addresses may not be page-aligned; round up to get
	// the start frame and round down to get the end frame
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startAddr := (region.Start + pageSizeMinus1) & ^pageSizeMinus1
	endAddr := region.End & ^pageSizeMinus1
	if endAddr <= startAddr {
		return mm.InvalidFrame, 0
	}

	return mm.Frame(startAddr >> mm.PageShift), (endAddr - startAddr) >> mm.PageShift
}
