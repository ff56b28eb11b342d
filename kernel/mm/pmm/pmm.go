// Package pmm tracks the physical frames of RAM and hands them out to the
// rest of the kernel.
package pmm

import (
	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
)

var (
	// FrameAllocator is the BitmapAllocator instance that tracks all
	// physical memory once Init returns.
	FrameAllocator BitmapAllocator

	errNoAvailableMemory = &kernel.Error{Module: "pmm", Message: "memory map does not contain any available region"}
	errNoBitmapRegion    = &kernel.Error{Module: "pmm", Message: "no available region can hold the allocation bitmap"}
)

// MemRegionVisitFn iterates the system memory map. multiboot.VisitMemRegions
// is the implementation used by the kernel.
type MemRegionVisitFn func(multiboot.MemRegionVisitor)

// Init sets up the kernel physical memory allocation sub-system.
//
// The bitmap covers every frame up to the end of the highest available
// region and is stored in the first available region with enough room that
// does not overlap frame 0 or the kernel image. Frame 0, the kernel image,
// the bitmap itself and any address not covered by an available region are
// marked as reserved before the allocator is registered with
// mm.SetFrameAllocator.
func Init(visit MemRegionVisitFn, kernelStart, kernelEnd uintptr) *kernel.Error {
	printMemoryMap(visit)

	var totalMemory uint64
	visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.End() > totalMemory {
			totalMemory = region.End()
		}
		return true
	})

	if totalMemory < uint64(mm.PageSize) {
		return errNoAvailableMemory
	}

	tableSize := alignUp(BitmapSize(totalMemory), mm.PageSize)
	tableLocation, found := findBitmapLocation(visit, tableSize, kernelStart, kernelEnd)
	if !found {
		return errNoBitmapRegion
	}

	if err := FrameAllocator.Init(tableLocation, totalMemory); err != nil {
		return err
	}

	// Start with everything reserved and then release the frames that lie
	// entirely within an available region. Frames that straddle a region
	// boundary remain reserved.
	FrameAllocator.markAll()
	visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			FrameAllocator.release(
				uint64(alignUp(uintptr(region.PhysAddress), mm.PageSize)>>mm.PageShift),
				region.End()>>mm.PageShift,
			)
		}
		return true
	})

	// Some firmware reports reserved regions that overlap available ones.
	visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable && region.PhysAddress < totalMemory {
			FrameAllocator.Reserve(uintptr(region.PhysAddress), uintptr(min(region.Length, totalMemory-region.PhysAddress)))
		}
		return true
	})

	FrameAllocator.Reserve(0, mm.PageSize)
	if kernelEnd > kernelStart {
		FrameAllocator.Reserve(kernelStart, kernelEnd-kernelStart)
	}
	FrameAllocator.Reserve(tableLocation, tableSize)

	kfmt.Printf("[pmm] bitmap at 0x%x tracks %d frames; free: %dKb, used: %dKb\n",
		tableLocation,
		FrameAllocator.TotalFrames(),
		FrameAllocator.FreeCount()*uint64(mm.PageSize/1024),
		FrameAllocator.UsedCount()*uint64(mm.PageSize/1024),
	)

	mm.SetFrameAllocator(&FrameAllocator)
	return nil
}

// findBitmapLocation returns the physical address of the first page-aligned
// block of tableSize bytes that fits inside an available region while
// staying clear of frame 0 and the kernel image.
func findBitmapLocation(visit MemRegionVisitFn, tableSize, kernelStart, kernelEnd uintptr) (uintptr, bool) {
	var (
		location uintptr
		found    bool
	)

	visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start := alignUp(max(uintptr(region.PhysAddress), mm.PageSize), mm.PageSize)
		if start < kernelEnd && start+tableSize > kernelStart {
			start = alignUp(kernelEnd, mm.PageSize)
		}

		if uint64(start+tableSize) <= region.End() {
			location, found = start, true
			return false
		}
		return true
	})

	return location, found
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(visit MemRegionVisitFn) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	visit(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
