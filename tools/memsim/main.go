// +build linux

// memsim runs the memory core against host memory. A memfd stands in for
// physical RAM and is mapped once as a whole, at the physical memory offset
// handed to the core, which lets the page table walker run unmodified in user
// space. Once the heap is set up, each heap page is remapped onto the part of
// the memfd that backs the frame the page table assigned to it, so heap
// stores end up in the frames that the printed translations point to.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"gophermm/kernel/boot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/heap"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
)

const (
	defaultRegions = "usable:0x0-0x9fc00,reserved:0x9fc00-0xa0000,reserved:0xf0000-0x100000,usable:0x100000-0x800000"

	// maxPhysMem caps the size of the simulated physical memory.
	maxPhysMem = 1 << 30
)

var (
	errNoRegions       = errors.New("no memory regions specified")
	errPhysMemTooLarge = fmt.Errorf("simulated physical memory exceeds %d bytes", maxPhysMem)

	regionTypes = map[string]boot.RegionType{
		"usable":     boot.RegionUsable,
		"reserved":   boot.RegionReserved,
		"acpi":       boot.RegionACPIReclaimable,
		"nvs":        boot.RegionNVS,
		"bad":        boot.RegionBadMemory,
		"kernel":     boot.RegionKernel,
		"bootloader": boot.RegionBootloader,
	}
)

type options struct {
	regions   boot.MemoryMap
	heapSize  mm.Size
	allocs    int
	allocSize uintptr
	rollback  bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		exit(err)
	}
}

func parseArgs(args []string) (*options, error) {
	var (
		fs        = flag.NewFlagSet("memsim", flag.ContinueOnError)
		regions   = fs.String("regions", defaultRegions, "comma-separated list of type:start-end memory regions")
		heapSize  = fs.Uint64("heap-size", uint64(heap.DefaultSize), "heap size in bytes")
		allocs    = fs.Int("allocs", 16, "number of heap allocations to perform")
		allocSize = fs.Uint64("alloc-size", 256, "size of each heap allocation in bytes")
		rollback  = fs.Bool("rollback", false, "unmap heap pages if heap initialization fails")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	memMap, err := parseRegions(*regions)
	if err != nil {
		return nil, err
	}

	return &options{
		regions:   memMap,
		heapSize:  mm.Size(*heapSize),
		allocs:    *allocs,
		allocSize: uintptr(*allocSize),
		rollback:  *rollback,
	}, nil
}

// parseRegions parses a list of regions in the form type:start-end where
// start and end are byte addresses in any base accepted by strconv.
func parseRegions(list string) (boot.MemoryMap, error) {
	var memMap boot.MemoryMap
	for _, def := range strings.Split(list, ",") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}

		sep := strings.IndexByte(def, ':')
		if sep == -1 {
			return nil, fmt.Errorf("region %q: expected type:start-end", def)
		}

		typ, ok := regionTypes[strings.ToLower(def[:sep])]
		if !ok {
			return nil, fmt.Errorf("region %q: unknown region type %q", def, def[:sep])
		}

		bounds := strings.SplitN(def[sep+1:], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("region %q: expected type:start-end", def)
		}

		start, err := strconv.ParseUint(bounds[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("region %q: invalid start address: %v", def, err)
		}
		end, err := strconv.ParseUint(bounds[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("region %q: invalid end address: %v", def, err)
		}
		if end <= start {
			return nil, fmt.Errorf("region %q: end address must be greater than start address", def)
		}

		memMap = append(memMap, boot.MemoryRegion{Start: start, End: end, Type: typ})
	}

	if len(memMap) == 0 {
		return nil, errNoRegions
	}

	return memMap, nil
}

// physMemSize returns the page-rounded size of the memory needed to back
// every region in memMap.
func physMemSize(memMap boot.MemoryMap) (uint64, error) {
	var top uint64
	for _, region := range memMap {
		if region.End > top {
			top = region.End
		}
	}

	top = (top + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)
	if top > maxPhysMem {
		return 0, errPhysMemTooLarge
	}

	return top, nil
}

func mmapArena(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// backWithFrame replaces the host memory behind page with the memfd range
// that holds frame. The current page contents are copied to the frame first.
func backWithFrame(physFd int, physMem, page []byte, frame mm.Frame) error {
	copy(physMem[frame.Address():frame.Address()+mm.PageSize], page)

	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(unsafe.Pointer(&page[0])),
		uintptr(len(page)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED,
		uintptr(physFd),
		frame.Address(),
	)
	if errno != 0 {
		return errno
	}

	return nil
}

func run(args []string, w io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	physSize, err := physMemSize(opts.regions)
	if err != nil {
		return err
	}

	physFd, err := unix.MemfdCreate("memsim-phys", 0)
	if err != nil {
		return fmt.Errorf("unable to create simulated physical memory: %v", err)
	}
	defer func() { _ = unix.Close(physFd) }()

	if err = unix.Ftruncate(physFd, int64(physSize)); err != nil {
		return fmt.Errorf("unable to size simulated physical memory: %v", err)
	}

	physMem, err := unix.Mmap(physFd, 0, int(physSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("unable to map simulated physical memory: %v", err)
	}
	defer func() { _ = unix.Munmap(physMem) }()

	heapPages := opts.heapSize.Pages()
	if heapPages == 0 {
		return heap.ErrHeapTooSmall
	}
	heapMem, err := mmapArena(uint64(heapPages << mm.PageShift))
	if err != nil {
		return fmt.Errorf("unable to map heap arena: %v", err)
	}
	defer func() { _ = unix.Munmap(heapMem) }()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("[kernel] ")})

	bootInfo, kErr := boot.Init(opts.regions, uintptr(unsafe.Pointer(&physMem[0])))
	if kErr != nil {
		return kErr
	}

	frameAlloc := pmm.NewBootMemAllocator(bootInfo.Regions())
	frameAlloc.PrintMemoryMap()

	rootFrame, kErr := frameAlloc.AllocFrame()
	if kErr != nil {
		return kErr
	}
	pt, kErr := vmm.NewPageTable(rootFrame, bootInfo.Offset())
	if kErr != nil {
		return kErr
	}

	heapStart := uintptr(unsafe.Pointer(&heapMem[0]))
	heapAlloc, kErr := heap.InitWithOptions(&pt, &frameAlloc, heapStart, opts.heapSize, heap.Options{RollbackOnFailure: opts.rollback})
	if kErr != nil {
		return kErr
	}

	fmt.Fprintf(w, "[memsim] page table root: 0x%x\n", pt.Root().Address())
	for pageIndex := uintptr(0); pageIndex < heapPages; pageIndex++ {
		page := mm.PageFromAddress(heapStart) + mm.Page(pageIndex)
		frame, kErr := pt.TranslatePage(page)
		if kErr != nil {
			return kErr
		}
		fmt.Fprintf(w, "[memsim] heap page 0x%x -> frame 0x%x\n", page.Address(), frame.Address())

		pageMem := heapMem[pageIndex<<mm.PageShift : (pageIndex+1)<<mm.PageShift]
		if err = backWithFrame(physFd, physMem, pageMem, frame); err != nil {
			return fmt.Errorf("unable to back heap page 0x%x with frame 0x%x: %v", page.Address(), frame.Address(), err)
		}
	}

	for i := 0; i < opts.allocs; i++ {
		addr, kErr := heapAlloc.Alloc(opts.allocSize, 16)
		if kErr != nil {
			fmt.Fprintf(w, "[memsim] alloc %d (%d bytes): %s\n", i, opts.allocSize, kErr.Error())
			break
		}

		physAddr, kErr := pt.Translate(addr)
		if kErr != nil {
			return kErr
		}
		fmt.Fprintf(w, "[memsim] alloc %d (%d bytes): 0x%x (phys 0x%x, page offset 0x%x)\n", i, opts.allocSize, addr, physAddr, vmm.PageOffset(addr))

		// a store through the heap address must land in the mapped frame
		marker := byte(i + 1)
		*(*byte)(unsafe.Pointer(addr)) = marker
		if got := physMem[physAddr]; got != marker {
			return fmt.Errorf("alloc %d: store to 0x%x is not visible at phys 0x%x (got 0x%x)", i, addr, physAddr, got)
		}
	}

	stats := heapAlloc.Stats()
	fmt.Fprintf(w, "[memsim] heap size: %d, used: %d, free: %d\n", stats.Size, stats.Used, stats.Free)
	fmt.Fprintf(w, "[memsim] frames used: %d/%d\n", frameAlloc.AllocatedFrames(), frameAlloc.UsableFrames())

	return nil
}
