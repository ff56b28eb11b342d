package kmain

import (
	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/cpu"
	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/pmm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/vmm"
	"github.com/CodeStix/kokos-sub000/kernel/sync"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// the following functions are mocked by tests.
	pmmInitFn     = pmm.Init
	vmmInitFn     = vmm.Init
	activateFn    = (*vmm.AddressSpace).Activate
	panicFn       = kfmt.Panic
	setIRQHooksFn = sync.SetInterruptHooks
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	setIRQHooksFn(cpu.SaveFlagsAndDisableInterrupts, cpu.RestoreFlags)
	multiboot.SetInfoPtr(multibootInfoPtr)

	if err := pmmInitFn(multiboot.VisitMemRegions, kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	totalMemory := pmm.FrameAllocator.TotalFrames() << mm.PageShift
	kernelSpace, err := vmmInitFn(totalMemory, &pmm.FrameAllocator)
	if err != nil {
		panicFn(err)
		return
	}
	activateFn(kernelSpace)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
