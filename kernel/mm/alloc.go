package mm

import "github.com/CodeStix/kokos-sub000/kernel"

// FrameAllocator is implemented by physical frame allocators. The pager uses
// it to obtain storage for page tables and for the frames backing anonymous
// mappings.
type FrameAllocator interface {
	// AllocFrame reserves a single physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained by AllocFrame.
	FreeFrame(Frame) *kernel.Error
}

var (
	// frameAllocator points to the allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the system-wide frame allocator. It is invoked
// by the physical memory manager once its bitmap has been set up.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// ActiveFrameAllocator returns the allocator registered with
// SetFrameAllocator or nil if none has been registered yet.
func ActiveFrameAllocator() FrameAllocator { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator.AllocFrame()
}
