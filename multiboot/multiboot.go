// Package multiboot decodes the multiboot2 information block that the
// bootloader hands over to the kernel and translates its memory map into the
// physical memory catalog used by the memory core.
package multiboot

import (
	"gophermm/kernel/boot"
	"reflect"
	"unsafe"
)

var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates defective RAM.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	return t.RegionType().String()
}

// RegionType maps a multiboot memory entry type to the matching catalog
// region type.
func (t MemoryEntryType) RegionType() boot.RegionType {
	switch t {
	case MemAvailable:
		return boot.RegionUsable
	case MemAcpiReclaimable:
		return boot.RegionACPIReclaimable
	case MemNvs:
		return boot.RegionNVS
	case MemBad:
		return boot.RegionBadMemory
	default:
		return boot.RegionReserved
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. The pointer must be a virtual address that is already mapped. This
// function must be invoked before invoking any other function exported by
// this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoSize returns the total size of the multiboot information block.
func InfoSize() uint32 {
	return (*info)(unsafe.Pointer(infoData)).totalSize
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// MemoryMap fills dst with the memory regions reported by the bootloader,
// preserving their order, and returns the populated part of dst as a memory
// catalog. Entries that do not fit in dst are ignored.
func MemoryMap(dst []boot.MemoryRegion) boot.MemoryMap {
	count := 0
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if count == len(dst) {
			return false
		}

		dst[count] = boot.MemoryRegion{
			Start: entry.PhysAddress,
			End:   entry.PhysAddress + entry.Length,
			Type:  entry.Type.RegionType(),
		}
		count++
		return true
	})

	return boot.MemoryMap(dst[:count])
}

// BootLoaderName returns the name of the bootloader that loaded the kernel or
// an empty string if the bootloader did not provide one. The returned string
// points to the multiboot info block.
func BootLoaderName() string {
	curPtr, size := findTagByType(tagBootLoaderName)
	if size <= 1 {
		return ""
	}

	// The name is a C-style NULL-terminated string
	var name string
	nameHeader := (*reflect.StringHeader)(unsafe.Pointer(&name))
	nameHeader.Data = curPtr
	nameHeader.Len = int(size - 1)
	return name
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
