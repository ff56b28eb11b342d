package kmain

import (
	"testing"

	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/pmm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/vmm"
)

func mockBoot(t *testing.T) {
	t.Helper()

	origPmmInit, origVmmInit, origActivate, origPanic, origSetIRQHooks := pmmInitFn, vmmInitFn, activateFn, panicFn, setIRQHooksFn
	t.Cleanup(func() {
		pmmInitFn, vmmInitFn, activateFn, panicFn, setIRQHooksFn = origPmmInit, origVmmInit, origActivate, origPanic, origSetIRQHooks
	})

	setIRQHooksFn = func(func() uintptr, func(uintptr)) {}
}

func TestKmain(t *testing.T) {
	mockBoot(t)

	var (
		kernelSpace = new(vmm.AddressSpace)
		steps       []string
		panicErr    interface{}
	)

	pmmInitFn = func(_ pmm.MemRegionVisitFn, kernelStart, kernelEnd uintptr) *kernel.Error {
		if kernelStart != 0x100000 || kernelEnd != 0x200000 {
			t.Errorf("unexpected kernel image range 0x%x-0x%x", kernelStart, kernelEnd)
		}
		steps = append(steps, "pmm")
		return nil
	}
	vmmInitFn = func(_ uint64, alloc mm.FrameAllocator) (*vmm.AddressSpace, *kernel.Error) {
		if alloc != mm.FrameAllocator(&pmm.FrameAllocator) {
			t.Error("expected vmm to allocate tables from the physical frame allocator")
		}
		steps = append(steps, "vmm")
		return kernelSpace, nil
	}
	activateFn = func(as *vmm.AddressSpace) {
		if as != kernelSpace {
			t.Error("expected the kernel address space to be activated")
		}
		steps = append(steps, "activate")
	}
	panicFn = func(e interface{}) { panicErr = e }

	Kmain(0, 0x100000, 0x200000)

	if exp := []string{"pmm", "vmm", "activate"}; len(steps) != len(exp) || steps[0] != exp[0] || steps[1] != exp[1] || steps[2] != exp[2] {
		t.Fatalf("expected boot steps %v; got %v", exp, steps)
	}

	if panicErr != errKmainReturned {
		t.Fatalf("expected Kmain to panic with errKmainReturned; got %v", panicErr)
	}
}

func TestKmainErrors(t *testing.T) {
	var (
		errPmm = &kernel.Error{Module: "test", Message: "pmm failed"}
		errVmm = &kernel.Error{Module: "test", Message: "vmm failed"}
	)

	specs := []struct {
		pmmErr, vmmErr *kernel.Error
		expErr         *kernel.Error
	}{
		{errPmm, nil, errPmm},
		{nil, errVmm, errVmm},
	}

	for specIndex, spec := range specs {
		mockBoot(t)

		var (
			panicErr  interface{}
			activated bool
		)
		pmmInitFn = func(pmm.MemRegionVisitFn, uintptr, uintptr) *kernel.Error { return spec.pmmErr }
		vmmInitFn = func(uint64, mm.FrameAllocator) (*vmm.AddressSpace, *kernel.Error) { return nil, spec.vmmErr }
		activateFn = func(*vmm.AddressSpace) { activated = true }
		panicFn = func(e interface{}) { panicErr = e }

		Kmain(0, 0, 0)

		if err, ok := panicErr.(*kernel.Error); !ok || err != spec.expErr {
			t.Errorf("[spec %d] expected Kmain to panic with %v; got %v", specIndex, spec.expErr, panicErr)
		}

		if activated {
			t.Errorf("[spec %d] expected address space not to be activated", specIndex)
		}
	}
}
