package mm

import (
	"unsafe"
)

// directMapBase is the virtual address at which physical address 0 is
// visible. The kernel identity-maps RAM so the default is 0.
var directMapBase uintptr

// SetDirectMapBase sets the virtual address through which physical memory is
// accessed by the allocators. Hosted builds point it into a buffer that
// stands in for RAM.
func SetDirectMapBase(base uintptr) {
	directMapBase = base
}

// DirectMapBase returns the value set by SetDirectMapBase.
func DirectMapBase() uintptr {
	return directMapBase
}

// PhysToVirt returns the virtual address through which the physical address
// phys can be read and written.
func PhysToVirt(phys uintptr) uintptr {
	return directMapBase + phys
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it makes log2(size) copy calls, which is fast for the
// page-aligned blocks it is used on.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(
		unsafe.Slice((*byte)(unsafe.Pointer(dst)), size),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), size),
	)
}
