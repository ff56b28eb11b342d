package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64
	// architecture. Levels are numbered from 4 (the root table) down to 1.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// canonicalSignBit is the highest implemented virtual address bit. It
	// is copied into bits 48-63 to form a canonical address.
	canonicalSignBit = uintptr(1) << 47
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address; index 0 is unused.
	pageLevelShifts = [pageLevels + 1]uint8{
		0,
		12,
		21,
		30,
		39,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set in level 2 and level 3 entries that map a 2M or a
	// 1G page instead of pointing to the next table. Passed to
	// MapPhysicalAt it requests a huge page mapping.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagFull is stored in one of the bits that the MMU ignores. It is set
	// on non-leaf entries once every slot reachable through them has been
	// handed out by the address space cursor.
	FlagFull

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
