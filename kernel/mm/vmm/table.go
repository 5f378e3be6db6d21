package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/boot"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// activeTable holds the view of the active page table handed out by
	// LocateActiveTable. It lives in static storage as it is built before
	// the kernel heap is available.
	activeTable PageTable

	// activeView points to the PageTable whose root is loaded in CR3.
	activeView *PageTable

	// ErrInvalidPageTable is returned when operating on a PageTable that
	// was not obtained through LocateActiveTable or NewPageTable.
	ErrInvalidPageTable = &kernel.Error{Module: "vmm", Message: "page table has not been initialized"}
)

// PageTable provides access to a 4-level page table hierarchy. Every table
// in the hierarchy is reached through the physical memory offset mapping set
// up by the bootloader.
//
// A PageTable is a single-owner value and must not be copied once created;
// its methods must not be invoked concurrently. The zero value is not usable.
type PageTable struct {
	root   mm.Frame
	offset boot.PhysOffset

	// active is set for the table referenced by CR3. Only changes to the
	// active table require TLB invalidation.
	active bool
}

// LocateActiveTable redeems the supplied boot token and returns the page table
// whose top-level table is referenced by the CR3 register. As the token can
// only be redeemed once, LocateActiveTable succeeds at most once per kernel
// lifetime which guarantees that no two mutable views of the active table
// exist.
func LocateActiveTable(tok *boot.ActiveTableToken) (*PageTable, *kernel.Error) {
	offset, err := tok.Redeem()
	if err != nil {
		return nil, err
	}

	activeTable = PageTable{
		root:   mm.FrameFromAddress(activePDTFn() & ptePhysPageMask),
		offset: offset,
		active: true,
	}
	activeView = &activeTable

	return &activeTable, nil
}

// NewPageTable sets up a new, inactive page table hierarchy whose top-level
// table is stored in root. The caller must own root exclusively (e.g. a frame
// obtained from a frame allocator); its contents are cleared.
//
// NewPageTable returns boot.ErrInvalidOffset if offset was not produced by
// boot.Init.
func NewPageTable(root mm.Frame, offset boot.PhysOffset) (PageTable, *kernel.Error) {
	if !offset.Valid() {
		return PageTable{}, boot.ErrInvalidOffset
	}

	kernel.Memset(offset.Virt(root.Address()), 0, mm.PageSize)

	return PageTable{
		root:   root,
		offset: offset,
	}, nil
}

// Root returns the frame that holds the top-level table.
func (pt *PageTable) Root() mm.Frame {
	return pt.root
}

// Activate loads this page table into the CR3 register and flushes the TLB.
// The previously active PageTable becomes inactive and stops flushing TLB
// entries.
func (pt *PageTable) Activate() {
	switchPDTFn(pt.root.Address())

	if activeView != nil && activeView != pt {
		activeView.active = false
	}
	pt.active = true
	activeView = pt
}

// initialized returns true if pt was obtained through LocateActiveTable or
// NewPageTable.
func (pt *PageTable) initialized() bool {
	return pt.offset.Valid()
}
