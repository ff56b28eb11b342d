// Package cpu exposes the handful of privileged x86-64 instructions that the
// memory manager and its locks depend on.
package cpu

var (
	cpuidFn = ID
)

const (
	// cpuidExtendedFeatures is the CPUID leaf that reports the extended
	// processor feature bits in EDX.
	cpuidExtendedFeatures = 0x80000001

	// pdpe1GBBit is set in the EDX output of the extended feature leaf when
	// the processor can map 1GiB pages from a PDPT entry.
	pdpe1GBBit = 1 << 26
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlagsAndDisableInterrupts returns the current contents of the RFLAGS
// register and then disables interrupt handling. The returned value should be
// passed to RestoreFlags once the critical section ends.
func SaveFlagsAndDisableInterrupts() uintptr

// RestoreFlags loads a value previously returned by
// SaveFlagsAndDisableInterrupts into RFLAGS, re-enabling interrupts only if
// they were enabled at the time the flags were saved.
func RestoreFlags(flags uintptr)

// Halt stops instruction execution.
func Halt()

// Pause hints the processor that the caller is executing a spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Supports1GPages returns true if the processor can map 1GiB pages.
func Supports1GPages() bool {
	maxLeaf, _, _, _ := cpuidFn(0x80000000)
	if maxLeaf < cpuidExtendedFeatures {
		return false
	}

	_, _, _, edx := cpuidFn(cpuidExtendedFeatures)
	return edx&pdpe1GBBit != 0
}
