package multiboot

import (
	"gophermm/kernel/boot"
	"testing"
	"unsafe"
)

func TestFindTagByType(t *testing.T) {
	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, 1},
		{tagBootLoaderName, 27},
		{tagMemoryMap, 152},
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	for specIndex, spec := range specs {
		_, size := findTagByType(spec.tagType)

		if size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
	}
}

func TestFindTagByTypeWithMissingTag(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	if offset, size := findTagByType(tagModules); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) for missing tag; got (%d, %d)", offset, size)
	}
}

func TestInfoSize(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	if exp, got := uint32(len(multibootInfoTestData)), InfoSize(); got != exp {
		t.Fatalf("expected info size to be %d; got %d", exp, got)
	}
}

func TestBootLoaderName(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))
	if got := BootLoaderName(); got != "" {
		t.Fatalf("expected empty bootloader name; got %q", got)
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	if exp, got := "GRUB 2.02~beta2-9ubuntu1.6", BootLoaderName(); got != exp {
		t.Fatalf("expected bootloader name to be %q; got %q", exp, got)
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		// This region type is actually MemAvailable but we patch it to
		// a bogus value to test whether it gets flagged as reserved
		{0, 654336, MemReserved},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemReserved},
		{4294705152, 262144, MemReserved},
	}

	var visitCount int

	SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	// Set a bogus type for the first entry in the map
	defer func(orig byte) { multibootInfoTestData[128] = orig }(multibootInfoTestData[128])
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	multibootInfoTestData[128] = 0xFF

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.PhysAddress != specs[visitCount].expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, specs[visitCount].expPhys, entry.PhysAddress)
		}
		if entry.Length != specs[visitCount].expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, specs[visitCount].expLen, entry.Length)
		}
		if entry.Type != specs[visitCount].expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, specs[visitCount].expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	visitCount = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked once after aborting the scan; got %d", visitCount)
	}
}

func TestMemoryMap(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	var buf [16]boot.MemoryRegion
	regions := MemoryMap(buf[:])

	exp := boot.MemoryMap{
		{Start: 0, End: 654336, Type: boot.RegionUsable},
		{Start: 654336, End: 655360, Type: boot.RegionReserved},
		{Start: 983040, End: 1048576, Type: boot.RegionReserved},
		{Start: 1048576, End: 134086656, Type: boot.RegionUsable},
		{Start: 134086656, End: 134217728, Type: boot.RegionReserved},
		{Start: 4294705152, End: 4294967296, Type: boot.RegionReserved},
	}

	if len(regions) != len(exp) {
		t.Fatalf("expected %d regions; got %d", len(exp), len(regions))
	}

	for i := range exp {
		if regions[i] != exp[i] {
			t.Errorf("[region %d] expected %+v; got %+v", i, exp[i], regions[i])
		}
	}

	if got := MemoryMap(buf[:2]); len(got) != 2 {
		t.Fatalf("expected catalog to be capped at 2 regions; got %d", len(got))
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		typ MemoryEntryType
		exp string
	}{
		{MemAvailable, "usable"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemBad, "bad memory"},
		{memUnknown, "reserved"},
	}

	for specIndex, spec := range specs {
		if got := spec.typ.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

var (
	emptyInfoData = []byte{
		0, 0, 0, 0, // size
		0, 0, 0, 0, // reserved
		0, 0, 0, 0, // tag with type zero and length zero
		0, 0, 0, 0,
	}

	// A trimmed dump of multiboot data captured while running under qemu.
	multibootInfoTestData = []byte{
		8, 1, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 9, 0, 0, 0,
		0, 171, 253, 7, 118, 119, 123, 0, 2, 0, 0, 0, 35, 0, 0, 0,
		71, 82, 85, 66, 32, 50, 46, 48, 50, 126, 98, 101, 116, 97, 50, 45,
		57, 117, 98, 117, 110, 116, 117, 49, 46, 54, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0, 28, 0, 0, 0, 2, 1, 0, 240, 4, 213, 0, 0,
		0, 240, 0, 240, 3, 0, 240, 255, 240, 255, 240, 255, 0, 0, 0, 0,
		6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
		0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
		0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0,
	}
)
