package vmm

import (
	"unsafe"

	"github.com/CodeStix/kokos-sub000/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = PageTableEntry((uint64(*pte) &^ ptePhysPageMask) | uint64(frame.Address()))
}

// Address returns the physical address mapped by this entry when it is used
// as a leaf at the given level. Bit 12 of a huge page entry selects the page
// attribute table so huge page addresses are masked down to the page size.
func (pte PageTableEntry) Address(level uint8) uintptr {
	return uintptr(uint64(pte)&ptePhysPageMask) &^ (levelPageSize(level) - 1)
}

// levelPageSize returns the size of the memory block mapped by a leaf entry
// at the given level.
func levelPageSize(level uint8) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}

// pageTable is the in-memory layout of a table at any level.
type pageTable [entriesPerTable]PageTableEntry

// tableAt returns a pointer to the page table stored in the given frame. The
// table is accessed through the direct map.
func tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))
}

// tableIndex returns the index of the entry that translates virtAddr in a
// table at the given level.
func tableIndex(virtAddr uintptr, level uint8) uint {
	return uint(virtAddr>>pageLevelShifts[level]) & (entriesPerTable - 1)
}
