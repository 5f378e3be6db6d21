// Package boot owns the values handed over by the bootloader: the physical
// memory catalog and the physical memory offset. Init validates them once and
// returns the boot context that the rest of the memory core is built from.
package boot

import "gophermm/kernel"

const (
	pageSizeMinus1 = uintptr(1<<12 - 1)

	// canonicalShift is the number of low address bits before the sign
	// extension of a 48-bit virtual address starts.
	canonicalShift = 47
)

var (
	// ErrInvalidOffset is returned by Init when the physical memory offset
	// is not a page-aligned canonical virtual address.
	ErrInvalidOffset = &kernel.Error{Module: "boot", Message: "physical memory offset must be a page-aligned canonical address"}

	// ErrAlreadyInitialized is returned by every Init call after the
	// first successful one.
	ErrAlreadyInitialized = &kernel.Error{Module: "boot", Message: "boot context already initialized"}

	// ErrInvalidToken is returned when redeeming a token that was not
	// issued by Init.
	ErrInvalidToken = &kernel.Error{Module: "boot", Message: "active table token was not issued by boot.Init"}

	// ErrTokenRedeemed is returned when redeeming a token for the second
	// time.
	ErrTokenRedeemed = &kernel.Error{Module: "boot", Message: "active table token already redeemed"}

	// The boot context lives in static storage; Init runs before the
	// kernel heap exists.
	initialized bool
	info        Info
	tableToken  ActiveTableToken
)

// PhysOffset is the virtual address at which the bootloader mapped the whole
// of physical memory. Adding a physical address to it yields a virtual
// address that is already mapped. The zero value is not valid; the only way
// to obtain a valid PhysOffset is through Init.
type PhysOffset struct {
	virt  uintptr
	valid bool
}

// Valid returns true if this offset was produced by Init.
func (o PhysOffset) Valid() bool {
	return o.valid
}

// Value returns the raw offset.
func (o PhysOffset) Value() uintptr {
	return o.virt
}

// Virt returns the virtual address through which physAddr can be accessed.
func (o PhysOffset) Virt(physAddr uintptr) uintptr {
	return o.virt + physAddr
}

// ActiveTableToken grants its holder the right to build the one and only
// mutable view of the active top-level page table. Init issues a single
// token per kernel lifetime and the token can be redeemed once.
type ActiveTableToken struct {
	offset   PhysOffset
	issued   bool
	redeemed bool
}

// Redeem consumes the token and returns the physical memory offset needed to
// reach the active page table. Only the first call on a token issued by Init
// succeeds.
func (t *ActiveTableToken) Redeem() (PhysOffset, *kernel.Error) {
	switch {
	case t == nil || !t.issued:
		return PhysOffset{}, ErrInvalidToken
	case t.redeemed:
		return PhysOffset{}, ErrTokenRedeemed
	}

	t.redeemed = true
	return t.offset, nil
}

// Info is the boot context: the validated values received from the
// bootloader.
type Info struct {
	regions MemoryMap
	offset  PhysOffset
	token   *ActiveTableToken
}

// Regions returns the physical memory catalog.
func (i *Info) Regions() MemoryMap {
	return i.regions
}

// Offset returns the validated physical memory offset.
func (i *Info) Offset() PhysOffset {
	return i.offset
}

// ActiveTableToken returns the token required by vmm.LocateActiveTable.
func (i *Info) ActiveTableToken() *ActiveTableToken {
	return i.token
}

// Init validates the values received from the bootloader and returns the boot
// context. The physical memory offset must be page aligned and canonical.
// Init succeeds at most once per kernel lifetime; the returned pointer refers
// to static storage so Init never allocates.
func Init(regions MemoryMap, physMemOffset uintptr) (*Info, *kernel.Error) {
	if initialized {
		return nil, ErrAlreadyInitialized
	}

	if !validOffset(physMemOffset) {
		return nil, ErrInvalidOffset
	}

	offset := PhysOffset{virt: physMemOffset, valid: true}
	tableToken = ActiveTableToken{offset: offset, issued: true}
	info = Info{
		regions: regions,
		offset:  offset,
		token:   &tableToken,
	}
	initialized = true

	return &info, nil
}

// validOffset returns true if offset is page aligned and bits 48-63 are
// copies of bit 47.
func validOffset(offset uintptr) bool {
	if offset&pageSizeMinus1 != 0 {
		return false
	}

	signBits := uint64(offset) >> canonicalShift
	return signBits == 0 || signBits == (1<<(64-canonicalShift))-1
}
