package boot

// RegionType describes what a physical memory region may be used for.
type RegionType uint32

const (
	// RegionUsable marks memory that is free for general use. Only usable
	// regions are handed out by the frame allocator.
	RegionUsable RegionType = iota + 1

	// RegionReserved marks memory that is not available for use.
	RegionReserved

	// RegionACPIReclaimable marks memory holding ACPI tables that can be
	// reused once the tables have been parsed.
	RegionACPIReclaimable

	// RegionNVS marks memory that must be preserved across hibernation.
	RegionNVS

	// RegionBadMemory marks defective RAM.
	RegionBadMemory

	// RegionKernel marks the memory occupied by the loaded kernel image.
	RegionKernel

	// RegionBootloader marks memory used by the bootloader's own
	// structures (page tables, boot info) that must be left alone.
	RegionBootloader
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionNVS:
		return "NVS"
	case RegionBadMemory:
		return "bad memory"
	case RegionKernel:
		return "kernel"
	case RegionBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// MemoryRegion describes the physical address range [Start, End) reported by
// the bootloader together with its type.
type MemoryRegion struct {
	Start uint64
	End   uint64
	Type  RegionType
}

// Len returns the size of the region in bytes.
func (r MemoryRegion) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// MemoryMap is the ordered catalog of physical memory regions supplied by the
// bootloader. Its order is preserved by every consumer.
type MemoryMap []MemoryRegion

// MemRegionVisitor is invoked by VisitRegions for each region. The visitor
// must return true to continue or false to abort the scan.
type MemRegionVisitor func(region *MemoryRegion) bool

// VisitRegions invokes visitor for each region in catalog order.
func (m MemoryMap) VisitRegions(visitor MemRegionVisitor) {
	for i := range m {
		if !visitor(&m[i]) {
			return
		}
	}
}

// TotalBytes returns the number of bytes covered by regions of type typ.
func (m MemoryMap) TotalBytes(typ RegionType) uint64 {
	var total uint64
	for _, region := range m {
		if region.Type == typ {
			total += region.Len()
		}
	}
	return total
}

// Carve writes a copy of m to dst where the part of every usable region that
// overlaps [start, end) is re-tagged as typ. Usable regions that only
// partially overlap are split, keeping catalog order. Regions that do not
// fit in dst are dropped. Carve does not allocate.
func (m MemoryMap) Carve(dst []MemoryRegion, start, end uint64, typ RegionType) MemoryMap {
	count := 0
	emit := func(r MemoryRegion) {
		if r.Len() == 0 || count == len(dst) {
			return
		}
		dst[count] = r
		count++
	}

	for _, region := range m {
		if region.Type != RegionUsable || end <= region.Start || start >= region.End {
			emit(region)
			continue
		}

		overlapStart, overlapEnd := region.Start, region.End
		if start > overlapStart {
			overlapStart = start
		}
		if end < overlapEnd {
			overlapEnd = end
		}

		emit(MemoryRegion{Start: region.Start, End: overlapStart, Type: RegionUsable})
		emit(MemoryRegion{Start: overlapStart, End: overlapEnd, Type: typ})
		emit(MemoryRegion{Start: overlapEnd, End: region.End, Type: RegionUsable})
	}

	return MemoryMap(dst[:count])
}
