package pmm

import (
	"math"
	"math/bits"
	"unsafe"

	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/sync"
)

const (
	framesPerWord = mm.ConsecutiveFrameGranularity
	fullWord      = uint64(math.MaxUint64)
)

var (
	// ErrExhaustedPhysicalMemory is returned when a full scan of the
	// bitmap did not locate enough free frames.
	ErrExhaustedPhysicalMemory = &kernel.Error{Module: "pmm", Message: "exhausted physical memory"}

	// ErrDoubleFree is returned when freeing a frame that is not allocated.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}

	// ErrOutOfRange is returned for addresses past the tracked memory.
	ErrOutOfRange = &kernel.Error{Module: "pmm", Message: "address outside of tracked physical memory"}

	// ErrInvalidFrameCount is returned by AllocateConsecutive when the
	// requested frame count is not a non-zero multiple of 64.
	ErrInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "consecutive frame count must be a non-zero multiple of 64"}
)

// BitmapAllocator implements a physical frame allocator that tracks every
// frame of RAM with a single bit. A set bit marks the frame as allocated or
// reserved.
//
// Allocations use a next-fit policy: the scan starts at the bitmap word that
// satisfied the previous allocation and wraps around at the end of the
// bitmap. All methods are safe for concurrent use.
type BitmapAllocator struct {
	lock sync.Spinlock

	// bitmap overlays the table memory passed to Init.
	bitmap []uint64

	// totalFrames is the number of frames tracked by the bitmap. When it is
	// not a multiple of 64, the trailing bits of the last word are never
	// set.
	totalFrames uint64

	// usedCount tracks the number of set bits in the bitmap.
	usedCount uint64

	// cursor is the index of the bitmap word where the next scan begins.
	cursor int
}

// BitmapSize returns the number of bytes needed by the bitmap for tracking
// totalMemory bytes of RAM.
func BitmapSize(totalMemory uint64) uintptr {
	words := (totalMemory/uint64(mm.PageSize) + framesPerWord - 1) / framesPerWord
	return uintptr(words << mm.PointerShift)
}

// Init places the allocator bitmap at the physical address tableLocation,
// sized for tracking totalMemory bytes of RAM, and marks every frame as free.
// The table memory must be at least BitmapSize(totalMemory) bytes long and is
// accessed through mm.PhysToVirt. Init must be invoked before any other
// method.
func (alloc *BitmapAllocator) Init(tableLocation uintptr, totalMemory uint64) *kernel.Error {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	alloc.totalFrames = totalMemory / uint64(mm.PageSize)
	alloc.usedCount = 0
	alloc.cursor = 0
	alloc.bitmap = nil

	tableSize := BitmapSize(totalMemory)
	if tableSize == 0 {
		return nil
	}

	tableAddr := mm.PhysToVirt(tableLocation)
	mm.Memset(tableAddr, 0, tableSize)
	alloc.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(tableAddr)), tableSize>>mm.PointerShift)
	return nil
}

// Reserve marks every frame overlapping [address, address+size) as
// allocated. Frames that are already marked are left untouched. Frames past
// the end of tracked memory are skipped and reported with ErrOutOfRange once
// the in-range part has been reserved.
func (alloc *BitmapAllocator) Reserve(address, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	first := uint64(address >> mm.PageShift)
	last := uint64((address + size - 1) >> mm.PageShift)
	if address+size-1 < address {
		last = math.MaxUint64 >> mm.PageShift
	}

	var err *kernel.Error
	if last >= alloc.totalFrames {
		kfmt.Printf("[pmm] warning: skipping reservation of frames [0x%x - 0x%x] past the end of tracked memory\n",
			uintptr(max(first, alloc.totalFrames)<<mm.PageShift), uintptr(last<<mm.PageShift))
		err = ErrOutOfRange
		if first >= alloc.totalFrames {
			return err
		}
		last = alloc.totalFrames - 1
	}

	for frame := first; frame <= last; frame++ {
		alloc.setFrame(frame)
	}

	return err
}

// Free clears the bit for the frame containing address. Freeing a frame
// that is not allocated has no effect and returns ErrDoubleFree.
func (alloc *BitmapAllocator) Free(address uintptr) *kernel.Error {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	frame := uint64(address >> mm.PageShift)
	if frame >= alloc.totalFrames {
		kfmt.Printf("[pmm] warning: free of untracked frame 0x%x\n", address)
		return ErrOutOfRange
	}

	word, mask := frame/framesPerWord, uint64(1)<<(frame%framesPerWord)
	if alloc.bitmap[word]&mask == 0 {
		kfmt.Printf("[pmm] warning: double free of frame 0x%x\n", address)
		return ErrDoubleFree
	}

	alloc.bitmap[word] &^= mask
	alloc.usedCount--
	return nil
}

// Allocate reserves the first free frame at or after the bitmap word that
// served the previous allocation, wrapping around at the end of the bitmap,
// and returns its physical address. If a full lap does not locate a free
// frame, Allocate returns ErrExhaustedPhysicalMemory.
func (alloc *BitmapAllocator) Allocate() (uintptr, *kernel.Error) {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	words := len(alloc.bitmap)
	for scanned, index := 0, alloc.cursor; scanned < words; scanned++ {
		if word := alloc.bitmap[index] | alloc.untrackedBits(index); word != fullWord {
			bit := bits.TrailingZeros64(^word)
			alloc.bitmap[index] |= 1 << bit
			alloc.usedCount++
			alloc.cursor = index
			return frameAddress(index, bit), nil
		}

		if index++; index == words {
			index = 0
		}
	}

	return 0, ErrExhaustedPhysicalMemory
}

// AllocateConsecutive reserves frameCount physically contiguous frames and
// returns the address of the first one. The frame count must be a non-zero
// multiple of 64; the allocator looks for frameCount/64 adjacent bitmap words
// with no bits set so the returned address is always aligned to a 64-frame
// (256KiB) boundary.
func (alloc *BitmapAllocator) AllocateConsecutive(frameCount uint64) (uintptr, *kernel.Error) {
	if frameCount == 0 || frameCount%framesPerWord != 0 {
		return 0, ErrInvalidFrameCount
	}

	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	var (
		runLen = int(frameCount / framesPerWord)
		words  = len(alloc.bitmap)
	)

	if runLen > words {
		return 0, ErrExhaustedPhysicalMemory
	}

	// A run cannot wrap around the end of the bitmap so the scan is split
	// in two: [cursor, words) followed by [0, cursor+runLen-1).
	start := alloc.findFreeRun(alloc.cursor, words, runLen)
	if start < 0 {
		start = alloc.findFreeRun(0, min(alloc.cursor+runLen-1, words), runLen)
	}
	if start < 0 {
		return 0, ErrExhaustedPhysicalMemory
	}

	for index := start; index < start+runLen; index++ {
		alloc.bitmap[index] = fullWord
	}
	alloc.usedCount += frameCount
	alloc.cursor = start

	return frameAddress(start, 0), nil
}

// Allocated returns true if the frame containing address is allocated or
// reserved. Addresses past the end of tracked memory are reported as
// allocated.
func (alloc *BitmapAllocator) Allocated(address uintptr) bool {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	frame := uint64(address >> mm.PageShift)
	if frame >= alloc.totalFrames {
		kfmt.Printf("[pmm] warning: allocation query for untracked frame 0x%x\n", address)
		return true
	}

	return alloc.bitmap[frame/framesPerWord]&(1<<(frame%framesPerWord)) != 0
}

// UsedCount returns the number of allocated or reserved frames.
func (alloc *BitmapAllocator) UsedCount() uint64 {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)
	return alloc.usedCount
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)
	return alloc.totalFrames
}

// FreeCount returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeCount() uint64 {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)
	return alloc.totalFrames - alloc.usedCount
}

// AllocFrame implements mm.FrameAllocator.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.Allocate()
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeFrame implements mm.FrameAllocator.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.Free(frame.Address())
}

// markAll flags every tracked frame as allocated. The boot code uses it
// before releasing the frames of available memory regions so that holes in
// the memory map end up reserved.
func (alloc *BitmapAllocator) markAll() {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	for index := range alloc.bitmap {
		alloc.bitmap[index] = fullWord &^ alloc.untrackedBits(index)
	}
	alloc.usedCount = alloc.totalFrames
}

// release clears the bits for the frames in [firstFrame, endFrame) without
// reporting double frees. Frames past the end of tracked memory are ignored.
func (alloc *BitmapAllocator) release(firstFrame, endFrame uint64) {
	state := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(state)

	endFrame = min(endFrame, alloc.totalFrames)
	for frame := firstFrame; frame < endFrame; frame++ {
		word, mask := frame/framesPerWord, uint64(1)<<(frame%framesPerWord)
		if alloc.bitmap[word]&mask != 0 {
			alloc.bitmap[word] &^= mask
			alloc.usedCount--
		}
	}
}

// setFrame sets the bit for the given frame. The caller must hold the lock.
func (alloc *BitmapAllocator) setFrame(frame uint64) {
	word, mask := frame/framesPerWord, uint64(1)<<(frame%framesPerWord)
	if alloc.bitmap[word]&mask == 0 {
		alloc.bitmap[word] |= mask
		alloc.usedCount++
	}
}

// untrackedBits returns a mask with the bits of the given word that do not
// correspond to a tracked frame.
func (alloc *BitmapAllocator) untrackedBits(index int) uint64 {
	if index != len(alloc.bitmap)-1 {
		return 0
	}

	if tail := alloc.totalFrames % framesPerWord; tail != 0 {
		return fullWord << tail
	}
	return 0
}

// findFreeRun returns the index of the first run of runLen adjacent clear
// words that lies within [from, to) or -1 if no such run exists.
func (alloc *BitmapAllocator) findFreeRun(from, to, runLen int) int {
	var run int
	for index := from; index < to; index++ {
		if alloc.bitmap[index]|alloc.untrackedBits(index) != 0 {
			run = 0
			continue
		}

		if run++; run == runLen {
			return index - runLen + 1
		}
	}

	return -1
}

func frameAddress(wordIndex, bit int) uintptr {
	return uintptr(wordIndex*framesPerWord+bit) << mm.PageShift
}
