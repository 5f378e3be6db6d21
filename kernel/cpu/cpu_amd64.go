// Package cpu exposes the privileged x86-64 instructions used by the kernel.
// The functions are implemented in assembly and fault when executed outside
// ring 0; callers reach them through package-level function variables that
// tests replace.
package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the raw contents of the CR3 register. Bits 12-51 hold the
// physical address of the currently active top-level page table; the low
// bits carry cache control flags.
func ActivePDT() uintptr

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
