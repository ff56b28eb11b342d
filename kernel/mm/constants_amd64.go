package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HugePageSize2M is the size of a page mapped by a level-2 (page
	// directory) entry with the huge page bit set.
	HugePageSize2M = uintptr(1 << 21)

	// HugePageSize1G is the size of a page mapped by a level-3 (PDPT)
	// entry with the huge page bit set.
	HugePageSize1G = uintptr(1 << 30)

	// ConsecutiveFrameGranularity is the number of frames tracked by a
	// single allocator bitmap word. Consecutive frame allocations are
	// always a multiple of this value.
	ConsecutiveFrameGranularity = 64

	// MinVirtualAddress is the lowest virtual address handed out by the
	// pager cursor. Everything below it (the first two level-4 slots) is
	// left for the identity map of physical memory.
	MinVirtualAddress = uintptr(0x0000_0100_0000_0000)

	// MaxVirtualAddress is the highest page-aligned address of the lower
	// canonical half.
	MaxVirtualAddress = uintptr(0x0000_7fff_ffff_f000)
)
