// Package kmain contains the kernel entrypoint which brings up the memory
// core: the physical frame allocator, the active page table and the heap.
package kmain

import (
	"gophermm/device"
	"gophermm/device/serial"
	"gophermm/kernel"
	"gophermm/kernel/boot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm/heap"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/multiboot"
)

// maxRegions is the maximum number of memory map entries that are
// considered. Each carved out range may split a region in three.
const maxRegions = 64

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	sinkLogPrefix = []byte("[serial] ")

	// The following are mocked by tests and are automatically inlined by
	// the compiler.
	panicFn             = kfmt.Panic
	locateActiveTableFn = vmm.LocateActiveTable
	heapStart           = heap.DefaultStart
	heapSize            = heap.DefaultSize

	// probeLogSinkFn finds the device that receives the kernel log.
	probeLogSinkFn device.ProbeFn = serial.ProbeForCOM1

	// Static storage for the values built while booting; the heap does
	// not exist yet.
	regionBuf, kernelCarveBuf, infoCarveBuf [maxRegions]boot.MemoryRegion
	sinkLog                                 kfmt.PrefixWriter
	frameAllocator                          pmm.BootMemAllocator
	memCore                                 MemoryCore
)

// MemoryCore holds the memory management state built by Kmain. Each value is
// owned by the kernel and handed out by pointer to the subsystems that need
// it.
type MemoryCore struct {
	Info      *boot.Info
	Frames    *pmm.BootMemAllocator
	PageTable *vmm.PageTable
	Heap      *heap.Allocator
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a a minimal g0 struct that allows
// Go code using the 4K stack allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload
// provided by the bootloader, the virtual address at which the bootloader
// mapped all physical memory and the physical addresses for the kernel
// start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, physMemOffset, kernelStart, kernelEnd uintptr) {
	attachLogSink()

	multiboot.SetInfoPtr(physMemOffset + multibootInfoPtr)
	infoEnd := uint64(multibootInfoPtr) + uint64(multiboot.InfoSize())
	regions := multiboot.MemoryMap(regionBuf[:]).
		Carve(kernelCarveBuf[:], uint64(kernelStart), uint64(kernelEnd), boot.RegionKernel).
		Carve(infoCarveBuf[:], uint64(multibootInfoPtr), infoEnd, boot.RegionBootloader)

	if name := multiboot.BootLoaderName(); name != "" {
		kfmt.Printf("[kmain] loaded by %s\n", name)
	}

	bootInfo, err := boot.Init(regions, physMemOffset)
	if err != nil {
		panicFn(err)
		return
	}

	frameAllocator = pmm.NewBootMemAllocator(bootInfo.Regions())
	frameAllocator.PrintMemoryMap()

	pageTable, err := locateActiveTableFn(bootInfo.ActiveTableToken())
	if err != nil {
		panicFn(err)
		return
	}

	heapAllocator, err := heap.Init(pageTable, &frameAllocator, heapStart, heapSize)
	if err != nil {
		panicFn(err)
		return
	}

	memCore = MemoryCore{
		Info:      bootInfo,
		Frames:    &frameAllocator,
		PageTable: pageTable,
		Heap:      heapAllocator,
	}

	start, end := heapAllocator.Bounds()
	kfmt.Printf("[kmain] heap: 0x%x - 0x%x (%d pages), frames used: %d/%d\n",
		start, end, uint64(heapSize.Pages()), frameAllocator.AllocatedFrames(), frameAllocator.UsableFrames(),
	)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// Core returns the memory core built by Kmain.
func Core() *MemoryCore {
	return &memCore
}

// attachLogSink probes for a serial port and, if one is found, sends the
// kernel log to it. Output produced before this point is flushed to the sink.
func attachLogSink() {
	drv := probeLogSinkFn()
	sink, ok := drv.(device.LogSink)
	if !ok {
		return
	}

	sinkLog = kfmt.PrefixWriter{Sink: sink, Prefix: sinkLogPrefix}
	if err := sink.DriverInit(&sinkLog); err != nil {
		return
	}

	kfmt.SetOutputSink(sink)
}
