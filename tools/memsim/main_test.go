// +build linux

package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"gophermm/kernel/boot"
	"gophermm/kernel/mm"
)

func TestParseRegions(t *testing.T) {
	specs := []struct {
		input  string
		exp    boot.MemoryMap
		expErr bool
	}{
		{
			"usable:0x0-0x9fc00",
			boot.MemoryMap{{Start: 0, End: 0x9fc00, Type: boot.RegionUsable}},
			false,
		},
		{
			"usable:0-4096, Reserved:0x1000-0x2000,acpi:8192-0x3000,",
			boot.MemoryMap{
				{Start: 0, End: 0x1000, Type: boot.RegionUsable},
				{Start: 0x1000, End: 0x2000, Type: boot.RegionReserved},
				{Start: 0x2000, End: 0x3000, Type: boot.RegionACPIReclaimable},
			},
			false,
		},
		{
			"nvs:0x0-0x1000,bad:0x1000-0x2000,kernel:0x2000-0x3000,bootloader:0x3000-0x4000",
			boot.MemoryMap{
				{Start: 0, End: 0x1000, Type: boot.RegionNVS},
				{Start: 0x1000, End: 0x2000, Type: boot.RegionBadMemory},
				{Start: 0x2000, End: 0x3000, Type: boot.RegionKernel},
				{Start: 0x3000, End: 0x4000, Type: boot.RegionBootloader},
			},
			false,
		},
		{"", nil, true},
		{" , ", nil, true},
		{"0x0-0x1000", nil, true},
		{"ram:0x0-0x1000", nil, true},
		{"usable:0x1000", nil, true},
		{"usable:zero-0x1000", nil, true},
		{"usable:0x0-end", nil, true},
		{"usable:0x2000-0x1000", nil, true},
		{"usable:0x1000-0x1000", nil, true},
	}

	for specIndex, spec := range specs {
		got, err := parseRegions(spec.input)
		if spec.expErr {
			if err == nil {
				t.Errorf("[spec %d] expected an error for input %q", specIndex, spec.input)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if !reflect.DeepEqual(got, spec.exp) {
			t.Errorf("[spec %d] expected regions:\n%v\ngot:\n%v", specIndex, spec.exp, got)
		}
	}
}

func TestPhysMemSize(t *testing.T) {
	specs := []struct {
		regions boot.MemoryMap
		exp     uint64
		expErr  error
	}{
		{
			boot.MemoryMap{{Start: 0, End: 0x9fc00, Type: boot.RegionUsable}},
			0xa0000,
			nil,
		},
		{
			boot.MemoryMap{
				{Start: 0x100000, End: 0x800000, Type: boot.RegionUsable},
				{Start: 0, End: 0x1000, Type: boot.RegionReserved},
			},
			0x800000,
			nil,
		},
		{
			boot.MemoryMap{{Start: 0, End: maxPhysMem + 1, Type: boot.RegionUsable}},
			0,
			errPhysMemTooLarge,
		},
	}

	for specIndex, spec := range specs {
		got, err := physMemSize(spec.regions)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if got != spec.exp {
			t.Errorf("[spec %d] expected size 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestRunArgErrors(t *testing.T) {
	specs := [][]string{
		{"-regions", "ram:0x0-0x1000"},
		{"-regions", "usable:0x0-0x80000000"},
		{"-heap-size", "100"},
		{"-no-such-flag"},
	}

	for specIndex, args := range specs {
		var buf bytes.Buffer
		if err := run(args, &buf); err == nil {
			t.Errorf("[spec %d] expected run to fail for args %v", specIndex, args)
		}
	}
}

// TestRun initializes the memory core and can therefore only run once per
// test binary.
func TestRun(t *testing.T) {
	var buf bytes.Buffer
	err := run([]string{
		"-regions", "reserved:0x0-0x1000,usable:0x1000-0x100000",
		"-heap-size", "16384",
		"-allocs", "3",
		"-alloc-size", "64",
	}, &buf)
	if err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, exp := range []string{
		"[kernel] [boot_mem_alloc] system memory map:",
		"type: reserved",
		"type: usable",
		"[memsim] page table root: 0x1000\n",
		"[memsim] alloc 2 (64 bytes): 0x",
		", page offset 0x",
		"[memsim] frames used: ",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}

	if got := strings.Count(out, "[memsim] heap page "); got != 4 {
		t.Errorf("expected 4 heap page translations; got %d", got)
	}

	if !strings.Contains(out, ", used: 240, ") {
		t.Errorf("expected 3 allocations of 64 bytes plus headers to use 240 bytes; got:\n%s", out)
	}
}

func TestBackWithFrame(t *testing.T) {
	physFd, err := unix.MemfdCreate("memsim-test", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = unix.Close(physFd) }()

	if err = unix.Ftruncate(physFd, 2*int64(mm.PageSize)); err != nil {
		t.Fatal(err)
	}

	physMem, err := unix.Mmap(physFd, 0, 2*int(mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = unix.Munmap(physMem) }()

	page, err := mmapArena(uint64(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = unix.Munmap(page) }()

	page[0], page[mm.PageSize-1] = 0xaa, 0xbb
	if err = backWithFrame(physFd, physMem, page, mm.Frame(1)); err != nil {
		t.Fatal(err)
	}

	frameMem := physMem[mm.PageSize:]
	if frameMem[0] != 0xaa || frameMem[mm.PageSize-1] != 0xbb {
		t.Fatalf("expected page contents to be copied to the frame; got 0x%x, 0x%x", frameMem[0], frameMem[mm.PageSize-1])
	}

	page[42] = 0xcc
	if frameMem[42] != 0xcc {
		t.Fatalf("expected stores to the page to reach the frame; got 0x%x", frameMem[42])
	}

	frameMem[43] = 0xdd
	if page[43] != 0xdd {
		t.Fatalf("expected stores to the frame to be visible through the page; got 0x%x", page[43])
	}

	if physMem[42] != 0 {
		t.Fatalf("expected frame 0 to be left untouched; got 0x%x", physMem[42])
	}
}
