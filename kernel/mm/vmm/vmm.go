// Package vmm manages x86-64 page tables. It hands out virtual addresses from
// a per address space cursor and maps physical memory at fixed addresses.
package vmm

import (
	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/cpu"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	switchPDTFn       = cpu.SwitchPDT
	supports1GPagesFn = cpu.Supports1GPages
	flushTLBEntryFn   = cpu.FlushTLBEntry

	kernelAddressSpace *AddressSpace
)

// Init creates the kernel address space, identity-maps all physical memory
// up to totalMemory into it and stores it as the kernel address space. Page
// tables are allocated from alloc.
func Init(totalMemory uint64, alloc mm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	as, err := NewAddressSpace(Config{
		Frames:   alloc,
		FlushTLB: flushTLBEntryFn,
	})
	if err != nil {
		return nil, err
	}

	if err = IdentityMap(as, totalMemory); err != nil {
		return nil, err
	}

	kernelAddressSpace = as
	return as, nil
}

// IdentityMap maps physical memory up to totalMemory, rounded up to 2M, at
// the same virtual addresses using huge pages. The mapping stays executable
// as the kernel image runs from it. Addresses below mm.MinVirtualAddress are
// never handed out by the cursor, which keeps this range stable once other
// address spaces share it with ShareKernelMappings.
func IdentityMap(as *AddressSpace, totalMemory uint64) *kernel.Error {
	identitySize := uintptr((totalMemory + uint64(mm.HugePageSize2M) - 1) &^ uint64(mm.HugePageSize2M-1))
	if err := as.MapPhysicalAt(0, 0, identitySize, FlagPresent|FlagRW|FlagHugePage); err != nil {
		return err
	}

	kfmt.Printf("[vmm] identity-mapped %dMb of physical memory; root table at 0x%x\n",
		uint64(identitySize)/uint64(mm.Mb), as.root.Address())
	return nil
}

// KernelAddressSpace returns the address space created by Init.
func KernelAddressSpace() *AddressSpace {
	return kernelAddressSpace
}
