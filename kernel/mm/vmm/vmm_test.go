package vmm

import (
	"testing"

	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
)

func TestInit(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
		kernelAddressSpace = nil
	}(flushTLBEntryFn)

	mockSupports1GPages(t, false)
	flushTLBEntryFn = func(uintptr) {}

	frames := newTestFrames(t, 16)
	buf := captureOutput(t)

	as, err := Init(uint64(5*mm.Mb), frames)
	if err != nil {
		t.Fatal(err)
	}

	if KernelAddressSpace() != as {
		t.Fatal("expected KernelAddressSpace to return the address space created by Init")
	}

	if exp, got := "[vmm] identity-mapped 6Mb of physical memory; root table at 0x1000\n", buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}

	specs := []struct {
		virtAddr uintptr
		expOK    bool
	}{
		{0, true},
		{0x12345, true},
		{0x4fffff, true},
		{0x5fffff, true},
		{0x600000, false},
	}

	for specIndex, spec := range specs {
		physAddr, ok := as.PhysicalAddress(spec.virtAddr)
		if ok != spec.expOK || (ok && physAddr != spec.virtAddr) {
			t.Errorf("[spec %d] expected identity translation for 0x%x: %t; got 0x%x, %t", specIndex, spec.virtAddr, spec.expOK, physAddr, ok)
		}
	}

	leaf := entry(t, as, 0, 2)
	if !leaf.HasFlags(FlagPresent|FlagRW|FlagHugePage) || leaf.HasFlags(FlagNoExecute) {
		t.Fatalf("expected identity map to be writable and executable; got 0x%x", uint64(leaf))
	}

	// The cursor starts above the identity map
	virtAddr, err := as.Map(0x1000, FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if virtAddr != mm.MinVirtualAddress {
		t.Fatalf("expected first mapping at 0x%x; got 0x%x", mm.MinVirtualAddress, virtAddr)
	}
}

func TestInitErrors(t *testing.T) {
	defer func() { kernelAddressSpace = nil }()
	mockSupports1GPages(t, false)

	specs := []struct {
		frames int
		expErr *kernel.Error
	}{
		// no room for the root table
		{1, errTestOutOfFrames},
		// no room for the level 2 table
		{3, errTestOutOfFrames},
	}

	for specIndex, spec := range specs {
		frames := newTestFrames(t, spec.frames)
		if _, err := Init(uint64(mm.Gb), frames); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if KernelAddressSpace() != nil {
			t.Errorf("[spec %d] expected kernel address space not to be set", specIndex)
		}
	}

	if _, err := Init(uint64(mm.Gb), nil); err != errNoFrameAllocator {
		t.Fatalf("expected error %v; got %v", errNoFrameAllocator, err)
	}
}
