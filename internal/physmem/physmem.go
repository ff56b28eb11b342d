// Package physmem provides the simulated RAM used to run the kernel memory
// managers as a regular process.
package physmem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"golang.org/x/sys/unix"
)

// ErrEmptyArena is returned by New when asked for an arena of zero bytes.
var ErrEmptyArena = errors.New("physmem: arena size must be non-zero")

// Arena is an anonymous memory mapping that stands in for physical memory.
// Physical address p lives at Base()+p.
type Arena struct {
	mem []byte
}

// New maps an arena of size bytes, rounded up to the page size, and points
// the direct map of the kernel memory managers at it. Host memory is only
// committed for the pages that are touched. Only one arena should
// be active at any time.
func New(size uint64) (*Arena, error) {
	if size == 0 {
		return nil, ErrEmptyArena
	}

	size = (size + uint64(mm.PageSize) - 1) &^ uint64(mm.PageSize-1)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mapping %d bytes: %w", size, err)
	}

	a := &Arena{mem: mem}
	mm.SetDirectMapBase(a.Base())
	return a, nil
}

// Base returns the host address of physical address 0.
func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Bytes returns the arena contents between the physical addresses start and
// end.
func (a *Arena) Bytes(start, end uintptr) []byte {
	return a.mem[start:end]
}

// Close unmaps the arena. The direct map is reset if it still points at it.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	if mm.DirectMapBase() == a.Base() {
		mm.SetDirectMapBase(0)
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	if err != nil {
		return fmt.Errorf("physmem: unmapping arena: %w", err)
	}
	return nil
}
