package heap

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
	"unsafe"
)

const (
	// blockAlign is the minimum alignment of every block and payload.
	blockAlign = uintptr(16)

	// headerSize is the size of the header that precedes each block.
	headerSize = unsafe.Sizeof(blockHeader{})

	// minBlockSize is the size of the smallest block that can be split off
	// a larger one.
	minBlockSize = headerSize + blockAlign

	// allocatedMarker is stored in the next field of allocated blocks. Free
	// list links are always aligned so an odd value never matches one.
	allocatedMarker = uintptr(0xa110c8ed)
)

var (
	// ErrOutOfMemory is returned by Alloc when no free block can satisfy the
	// request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidAlignment is returned by Alloc when the requested alignment
	// is not a power of 2.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2"}

	// ErrInvalidFree is returned by Free when the address was not returned
	// by Alloc or has already been freed.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "address does not belong to an allocated block"}
)

// blockHeader precedes every block in the heap. For free blocks, next holds
// the address of the next free block (0 for the last one); for allocated
// blocks it is set to allocatedMarker.
type blockHeader struct {
	size uintptr
	next uintptr
}

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Stats describes the utilization of a heap.
type Stats struct {
	// Size is the number of bytes available for blocks.
	Size mm.Size

	// Used is the number of bytes occupied by allocated blocks including
	// their headers.
	Used mm.Size

	// Free is the number of bytes in free blocks.
	Free mm.Size
}

// Allocator is a first-fit allocator that manages a mapped virtual memory
// range. Free blocks are kept in a list sorted by address and adjacent free
// blocks are merged when memory is freed.
//
// The Allocator state is stored at the beginning of the range it manages so
// setting it up does not require any dynamic memory.
type Allocator struct {
	lock sync.Spinlock

	// The range [blockStart, end) is divided into blocks.
	blockStart, end uintptr

	freeHead uintptr
	used     uintptr
}

// newAllocator places an Allocator at start and hands the rest of the
// [start, end) range to it as a single free block.
func newAllocator(start, end uintptr) *Allocator {
	a := (*Allocator)(unsafe.Pointer(start))
	*a = Allocator{
		blockStart: alignUp(start+unsafe.Sizeof(Allocator{}), blockAlign),
		end:        end &^ (blockAlign - 1),
	}

	if a.end-a.blockStart >= minBlockSize {
		a.freeHead = a.blockStart
		first := blockAt(a.freeHead)
		first.size = a.end - a.blockStart
		first.next = 0
	}

	return a
}

// Alloc reserves a block of at least size bytes and returns the address of
// its first byte. The returned address is a multiple of align which must be
// a power of 2; alignments below 16 are rounded up to 16.
func (a *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}
	if align < blockAlign {
		align = blockAlign
	}

	if size > a.end-a.blockStart {
		return 0, ErrOutOfMemory
	}
	if size == 0 {
		size = 1
	}
	blockSize := headerSize + alignUp(size, blockAlign)

	a.lock.Acquire()
	defer a.lock.Release()

	prevLink := &a.freeHead
	for cur := a.freeHead; cur != 0; prevLink, cur = &blockAt(cur).next, blockAt(cur).next {
		var (
			free     = blockAt(cur)
			freeEnd  = cur + free.size
			payload  = alignUp(cur+headerSize, align)
			blockPtr uintptr
		)

		// Any gap in front of the aligned block must be large enough
		// to remain in the free list.
		for payload-headerSize != cur && payload-headerSize-cur < minBlockSize {
			payload += align
		}
		blockPtr = payload - headerSize

		if blockPtr >= freeEnd || freeEnd-blockPtr < blockSize {
			continue
		}

		next := free.next
		if blockPtr != cur {
			free.size = blockPtr - cur
			prevLink = &free.next
		}

		if tail := freeEnd - (blockPtr + blockSize); tail >= minBlockSize {
			tailBlock := blockAt(blockPtr + blockSize)
			tailBlock.size = tail
			tailBlock.next = next
			next = blockPtr + blockSize
		} else {
			blockSize = freeEnd - blockPtr
		}
		*prevLink = next

		block := blockAt(blockPtr)
		block.size = blockSize
		block.next = allocatedMarker
		a.used += blockSize

		return payload, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns a block previously reserved by Alloc to the heap.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if addr < a.blockStart+headerSize || addr >= a.end || addr&(blockAlign-1) != 0 {
		return ErrInvalidFree
	}

	blockPtr := addr - headerSize
	block := blockAt(blockPtr)
	if block.next != allocatedMarker || block.size < minBlockSize || block.size > a.end-blockPtr {
		return ErrInvalidFree
	}
	a.used -= block.size

	var (
		prev     uintptr
		prevLink = &a.freeHead
	)
	for *prevLink != 0 && *prevLink < blockPtr {
		prev = *prevLink
		prevLink = &blockAt(prev).next
	}

	block.next = *prevLink
	*prevLink = blockPtr

	if block.next != 0 && blockPtr+block.size == block.next {
		nextBlock := blockAt(block.next)
		block.size += nextBlock.size
		block.next = nextBlock.next
	}

	if prev != 0 {
		if prevBlock := blockAt(prev); prev+prevBlock.size == blockPtr {
			prevBlock.size += block.size
			prevBlock.next = block.next
		}
	}

	return nil
}

// Stats returns the current heap utilization.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	size := a.end - a.blockStart
	return Stats{
		Size: mm.Size(size),
		Used: mm.Size(a.used),
		Free: mm.Size(size - a.used),
	}
}

// Bounds returns the virtual address range that blocks are carved from.
func (a *Allocator) Bounds() (start, end uintptr) {
	return a.blockStart, a.end
}

func alignUp(value, align uintptr) uintptr {
	return (value + align - 1) &^ (align - 1)
}
