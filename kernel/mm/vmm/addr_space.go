package vmm

import (
	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/sync"
)

var (
	// ErrDoubleFree is returned by Free when the leaf entry for an address
	// is not present.
	ErrDoubleFree = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrInvalidTableWalk is returned when a table walk encounters a
	// non-present intermediate entry.
	ErrInvalidTableWalk = &kernel.Error{Module: "vmm", Message: "page table walk reached a non-present table"}

	// ErrVirtualSpaceExhausted is returned when the address space cursor
	// moves past the configured maximum virtual address.
	ErrVirtualSpaceExhausted = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}

	// ErrMisaligned is returned by MapPhysicalAt when an address is not
	// aligned to the requested page size.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address is not aligned to the page size"}

	// ErrHugePageConflict is returned by MapPhysicalAt when the requested
	// mapping overlaps an existing mapping of a different page size.
	ErrHugePageConflict = &kernel.Error{Module: "vmm", Message: "mapping conflicts with an existing mapping of a different page size"}

	errNoFrameAllocator = &kernel.Error{Module: "vmm", Message: "address space requires a frame allocator"}
	errInvalidRange     = &kernel.Error{Module: "vmm", Message: "invalid virtual address range"}
)

// Config describes the parameters for an AddressSpace.
type Config struct {
	// Root is the frame holding an existing level 4 table. If zero, a new
	// zeroed table is allocated. Frame 0 is always reserved by the physical
	// allocator so it can never hold a table.
	Root mm.Frame

	// MinVirtual and MaxVirtual bound the addresses handed out by Map and
	// Allocate. They default to mm.MinVirtualAddress and
	// mm.MaxVirtualAddress.
	MinVirtual uintptr
	MaxVirtual uintptr

	// Frames provides the frames for new page tables and for Allocate.
	Frames mm.FrameAllocator

	// FlushTLB, if set, is invoked with the virtual address of every
	// mapping that is removed or replaced.
	FlushTLB func(virtAddr uintptr)

	// Supports1GPages, if set, replaces CPUID based detection of 1G page
	// support for MapPhysicalAt.
	Supports1GPages func() bool

	// User marks the address space as belonging to a user process. Its
	// intermediate tables are created with FlagUserAccessible so that leaf
	// entries alone control user access.
	User bool
}

// cursor tracks the next candidate slot for Map. tables[l] is the level l
// table that idx[l] indexes into; lower level tables are resolved lazily and
// are set to mm.InvalidFrame until then.
type cursor struct {
	tables [pageLevels + 1]mm.Frame
	idx    [pageLevels + 1]uint
}

// address synthesizes the canonical virtual address of the slot under the
// cursor from the table indices.
func (c *cursor) address() uintptr {
	var addr uintptr
	for level := uint8(1); level <= pageLevels; level++ {
		addr += uintptr(c.idx[level]) << pageLevelShifts[level]
	}

	if addr&canonicalSignBit != 0 {
		addr |= ^(canonicalSignBit<<1 - 1)
	}
	return addr
}

// AddressSpace manages a 4-level page table tree rooted at a single level 4
// table. Besides explicit mappings via MapPhysicalAt, an AddressSpace hands
// out virtual addresses from a cursor that only moves forward: freed
// addresses are never reused and intermediate tables are never reclaimed.
//
// All methods are safe for concurrent use.
type AddressSpace struct {
	lock sync.Spinlock

	root       mm.Frame
	cur        cursor
	minVirtual uintptr
	maxVirtual uintptr
	tableFlags PageTableEntryFlag
	frames     mm.FrameAllocator
	flushTLB   func(uintptr)
	supports1G func() bool
}

// NewAddressSpace creates an address space using the supplied configuration.
func NewAddressSpace(cfg Config) (*AddressSpace, *kernel.Error) {
	if cfg.Frames == nil {
		return nil, errNoFrameAllocator
	}

	as := &AddressSpace{
		root:       cfg.Root,
		minVirtual: cfg.MinVirtual,
		maxVirtual: cfg.MaxVirtual,
		tableFlags: FlagPresent | FlagRW,
		frames:     cfg.Frames,
		flushTLB:   cfg.FlushTLB,
		supports1G: cfg.Supports1GPages,
	}

	if as.minVirtual == 0 {
		as.minVirtual = mm.MinVirtualAddress
	}
	if as.maxVirtual == 0 {
		as.maxVirtual = mm.MaxVirtualAddress
	}
	if cfg.User {
		as.tableFlags |= FlagUserAccessible
	}

	if as.minVirtual&(mm.PageSize-1) != 0 || as.minVirtual > as.maxVirtual {
		return nil, errInvalidRange
	}

	if as.root == 0 {
		var err *kernel.Error
		if as.root, err = as.newTable(); err != nil {
			return nil, err
		}
	}

	as.cur.tables[pageLevels] = as.root
	for level := uint8(1); level <= pageLevels; level++ {
		as.cur.idx[level] = tableIndex(as.minVirtual, level)
		if level < pageLevels {
			as.cur.tables[level] = mm.InvalidFrame
		}
	}

	return as, nil
}

// Root returns the frame that holds the level 4 table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Activate loads the address space root into the MMU.
func (as *AddressSpace) Activate() {
	switchPDTFn(as.root.Address())
}

// Cursor returns the next virtual address that Map may return. The actual
// address may be higher if the slot under the cursor is already in use.
func (as *AddressSpace) Cursor() uintptr {
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)
	return as.cur.address()
}

// Map binds the next free virtual page under the cursor to the physical
// frame containing physAddr and returns the page address. FlagPresent is
// implied.
func (as *AddressSpace) Map(physAddr uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	return as.mapNext(mm.FrameFromAddress(physAddr), flags)
}

// Allocate reserves a physical frame and maps it with Map. If the mapping
// fails, the frame is returned to the allocator.
func (as *AddressSpace) Allocate(flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	frame, err := as.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	virtAddr, err := as.mapNext(frame, flags)
	if err != nil {
		_ = as.frames.FreeFrame(frame)
		return 0, err
	}

	return virtAddr, nil
}

func (as *AddressSpace) mapNext(frame mm.Frame, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if err := as.settle(); err != nil {
		return 0, err
	}

	virtAddr := as.cur.address()
	pte := &tableAt(as.cur.tables[1])[as.cur.idx[1]]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(leafFlags(flags, 1))

	// Move to the next slot right away so that a full level 1 table gets
	// retired, and its successor created, by the call that filled it.
	if as.cur.idx[1]++; as.cur.idx[1] == entriesPerTable {
		as.retire(1)

		// A failure is reported by the next call to Map.
		_ = as.settle()
	}

	return virtAddr, nil
}

// settle moves the cursor to the next non-present level 1 slot, skipping
// FULL and huge entries and allocating any missing tables on the way.
func (as *AddressSpace) settle() *kernel.Error {
	for {
		for level := uint8(pageLevels - 1); level >= 1; {
			if as.cur.tables[level].Valid() {
				level--
				continue
			}

			parent := level + 1
			if as.cur.idx[parent] == entriesPerTable {
				if parent == pageLevels {
					return ErrVirtualSpaceExhausted
				}
				as.retire(parent)
				level = parent
				continue
			}

			if as.cur.address() > as.maxVirtual {
				return ErrVirtualSpaceExhausted
			}

			pte := &tableAt(as.cur.tables[parent])[as.cur.idx[parent]]
			switch {
			case !pte.HasFlags(FlagPresent):
				frame, err := as.newTable()
				if err != nil {
					return err
				}
				*pte = 0
				pte.SetFrame(frame)
				pte.SetFlags(as.tableFlags)
				as.cur.tables[level] = frame
			case pte.HasAnyFlag(FlagFull | FlagHugePage):
				as.cur.idx[parent]++
			default:
				as.cur.tables[level] = pte.Frame()
			}
		}

		table := tableAt(as.cur.tables[1])
		for ; as.cur.idx[1] < entriesPerTable; as.cur.idx[1]++ {
			if as.cur.address() > as.maxVirtual {
				return ErrVirtualSpaceExhausted
			}

			if !table[as.cur.idx[1]].HasFlags(FlagPresent) {
				return nil
			}
		}

		as.retire(1)
	}
}

// retire marks the entry pointing to the level table under the cursor as
// FULL and moves the cursor to the next entry of the parent table. The level
// table and all tables below it are resolved again by the next settle call.
func (as *AddressSpace) retire(level uint8) {
	parent := level + 1
	tableAt(as.cur.tables[parent])[as.cur.idx[parent]].SetFlags(FlagFull)
	as.cur.idx[parent]++

	for l := uint8(1); l <= level; l++ {
		as.cur.tables[l] = mm.InvalidFrame
		as.cur.idx[l] = 0
	}
}

// MapPhysicalAt maps the physical range [physAddr, physAddr+length) at
// virtAddr. When flags include FlagHugePage, the range is mapped with 1G
// pages wherever the CPU supports them and both addresses are 1G-aligned, and
// with 2M pages otherwise; the addresses must then be 2M-aligned. Without
// FlagHugePage the range is mapped with 4K pages. The length is rounded up to
// the smallest page size in use. Existing mappings of the same page size are
// replaced.
func (as *AddressSpace) MapPhysicalAt(virtAddr, physAddr, length uintptr, flags PageTableEntryFlag) *kernel.Error {
	align := mm.PageSize
	if flags&FlagHugePage != 0 {
		align = mm.HugePageSize2M
	}

	if virtAddr&(align-1) != 0 || physAddr&(align-1) != 0 {
		return ErrMisaligned
	}
	length = (length + align - 1) &^ (align - 1)

	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	use1G := flags&FlagHugePage != 0 && as.supports1GPages()
	for length > 0 {
		level := uint8(1)
		if flags&FlagHugePage != 0 {
			level = 2
			if use1G && virtAddr&(mm.HugePageSize1G-1) == 0 && physAddr&(mm.HugePageSize1G-1) == 0 && length >= mm.HugePageSize1G {
				level = 3
			}
		}

		pte, err := as.entryAt(virtAddr, level)
		if err != nil {
			return err
		}

		if pte.HasFlags(FlagPresent) {
			if level > 1 && !pte.HasFlags(FlagHugePage) {
				return ErrHugePageConflict
			}
			as.flush(virtAddr)
		}

		*pte = PageTableEntry(uint64(physAddr) & ptePhysPageMask)
		pte.SetFlags(leafFlags(flags, level))

		size := levelPageSize(level)
		virtAddr, physAddr, length = virtAddr+size, physAddr+size, length-size
	}

	return nil
}

// entryAt returns the entry that translates virtAddr in the table at the
// given level, creating any missing tables above it.
func (as *AddressSpace) entryAt(virtAddr uintptr, level uint8) (*PageTableEntry, *kernel.Error) {
	table := as.root
	for l := uint8(pageLevels); ; l-- {
		pte := &tableAt(table)[tableIndex(virtAddr, l)]
		if l == level {
			return pte, nil
		}

		if !pte.HasFlags(FlagPresent) {
			frame, err := as.newTable()
			if err != nil {
				return nil, err
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(as.tableFlags)
		} else if pte.HasFlags(FlagHugePage) {
			return nil, ErrHugePageConflict
		}

		table = pte.Frame()
	}
}

// PhysicalAddress returns the physical address that virtAddr translates to
// or false if virtAddr is not mapped.
func (as *AddressSpace) PhysicalAddress(virtAddr uintptr) (uintptr, bool) {
	var (
		physAddr uintptr
		mapped   bool
	)

	as.Walk(virtAddr, func(level uint8, pte PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == 1 || pte.HasFlags(FlagHugePage) {
			physAddr = pte.Address(level) + virtAddr&(levelPageSize(level)-1)
			mapped = true
			return false
		}
		return true
	})

	return physAddr, mapped
}

// Free unmaps the page that contains virtAddr by clearing the present bit of
// its leaf entry, which may be a huge page. Neither the mapped frame nor any
// page table is released and the address is not handed out again by Map.
func (as *AddressSpace) Free(virtAddr uintptr) *kernel.Error {
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	table := as.root
	for level := uint8(pageLevels); level >= 1; level-- {
		pte := &tableAt(table)[tableIndex(virtAddr, level)]
		if !pte.HasFlags(FlagPresent) {
			if level == 1 || pte.HasFlags(FlagHugePage) {
				kfmt.Printf("[vmm] warning: double free of virtual address 0x%x\n", virtAddr)
				return ErrDoubleFree
			}
			kfmt.Printf("[vmm] warning: free of 0x%x reached a non-present level %d table\n", virtAddr, level-1)
			return ErrInvalidTableWalk
		}

		if level == 1 || pte.HasFlags(FlagHugePage) {
			pte.ClearFlags(FlagPresent)
			as.flush(virtAddr)
			return nil
		}

		table = pte.Frame()
	}

	return nil
}

// Walk performs a read-only page table walk for virtAddr. It calls walkFn
// with the entry that translates virtAddr at each level starting from level
// 4. The walk stops when walkFn returns false or after level 1.
func (as *AddressSpace) Walk(virtAddr uintptr, walkFn func(level uint8, pte PageTableEntry) bool) {
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	table := as.root
	for level := uint8(pageLevels); level >= 1; level-- {
		pte := tableAt(table)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) || level == 1 || !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return
		}
		table = pte.Frame()
	}
}

// ShareKernelMappings copies the level 4 entries of the kernel address space
// that lie below its cursor range into this address space so that both
// share the tables for the identity map of physical memory.
func (as *AddressSpace) ShareKernelMappings(kernelSpace *AddressSpace) {
	if kernelSpace == as {
		return
	}

	kState := kernelSpace.lock.AcquireIRQSave()
	defer kernelSpace.lock.ReleaseIRQRestore(kState)
	state := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(state)

	var (
		src = tableAt(kernelSpace.root)
		dst = tableAt(as.root)
	)
	for index := uint(0); index < tableIndex(kernelSpace.minVirtual, pageLevels); index++ {
		dst[index] = src[index]
	}
}

// newTable allocates a frame for a page table and clears it.
func (as *AddressSpace) newTable() (mm.Frame, *kernel.Error) {
	frame, err := as.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	mm.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
	return frame, nil
}

func (as *AddressSpace) supports1GPages() bool {
	if as.supports1G != nil {
		return as.supports1G()
	}
	return supports1GPagesFn()
}

func (as *AddressSpace) flush(virtAddr uintptr) {
	if as.flushTLB != nil {
		as.flushTLB(virtAddr)
	}
}

// leafFlags returns the flags for a leaf entry at the given level. Leaves at
// level 1 never carry FlagHugePage as bit 7 selects the page attribute table
// there. FlagFull only applies to non-leaf entries.
func leafFlags(flags PageTableEntryFlag, level uint8) PageTableEntryFlag {
	flags = (flags | FlagPresent) &^ FlagFull
	if level == 1 {
		return flags &^ FlagHugePage
	}
	return flags | FlagHugePage
}
