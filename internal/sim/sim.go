// Package sim runs the kernel memory managers against simulated RAM. A
// Machine owns the physical memory arena, the physical frame allocator and
// the kernel address space. The kernel packages keep their state in package
// variables, so only one Machine may be booted at a time.
package sim

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/CodeStix/kokos-sub000/internal/config"
	"github.com/CodeStix/kokos-sub000/internal/memmap"
	"github.com/CodeStix/kokos-sub000/internal/physmem"
	"github.com/CodeStix/kokos-sub000/kernel"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/pmm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/vmm"
	"github.com/CodeStix/kokos-sub000/kernel/sync"
	"github.com/sirupsen/logrus"
)

// ErrNoMemory is returned by Boot for machines without available memory.
var ErrNoMemory = errors.New("sim: machine has no available memory")

// Options control how a machine is booted.
type Options struct {
	// Log receives the machine's log entries. Defaults to the standard
	// logrus logger.
	Log *logrus.Logger

	// KernelOutput, if set, receives the raw kfmt output of the kernel
	// packages. Otherwise the output is turned into log entries.
	KernelOutput io.Writer
}

// Machine is a booted simulated machine.
type Machine struct {
	cfg    *config.Machine
	log    *logrus.Logger
	arena  *physmem.Arena
	mmap   *memmap.Map
	kernel *vmm.AddressSpace
	tables *tableFrames

	flushes atomic.Uint64
}

// tableFrames hands out the frames requested by address spaces, which are
// page tables and the pages backing AddressSpace.Allocate, and counts them.
type tableFrames struct {
	frames *pmm.BitmapAllocator
	count  atomic.Uint64
}

func (t *tableFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	frame, err := t.frames.AllocFrame()
	if err == nil {
		t.count.Add(1)
	}
	return frame, err
}

func (t *tableFrames) FreeFrame(frame mm.Frame) *kernel.Error {
	return t.frames.FreeFrame(frame)
}

// Boot maps the machine's RAM, runs the physical memory manager over its
// memory map and builds the kernel address space with the identity map of
// RAM.
func Boot(cfg *config.Machine, opts Options) (*Machine, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	mmap, err := cfg.MemoryMap()
	if err != nil {
		return nil, err
	}

	highest := mmap.Highest()
	if highest == 0 {
		return nil, ErrNoMemory
	}

	arena, err := physmem.New(highest)
	if err != nil {
		return nil, err
	}

	// Goroutines waiting on a kernel spinlock must let the holder run.
	sync.SetYieldHook(runtime.Gosched)

	if opts.KernelOutput != nil {
		kfmt.SetOutputSink(opts.KernelOutput)
	} else {
		kfmt.SetOutputSink(newLogWriter(opts.Log))
	}

	m := &Machine{
		cfg:    cfg,
		log:    opts.Log,
		arena:  arena,
		mmap:   mmap,
		tables: &tableFrames{frames: &pmm.FrameAllocator},
	}

	if err := m.boot(); err != nil {
		_ = m.Close()
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"ram":    arena.Size(),
		"frames": pmm.FrameAllocator.TotalFrames(),
		"free":   pmm.FrameAllocator.FreeCount(),
		"root":   fmt.Sprintf("%#x", m.kernel.Root().Address()),
	}).Info("machine booted")
	return m, nil
}

func (m *Machine) boot() error {
	if err := pmm.Init(m.mmap.Visit, uintptr(m.cfg.Kernel.Start), uintptr(m.cfg.Kernel.End)); err != nil {
		return fmt.Errorf("sim: physical memory: %w", err)
	}

	as, err := m.newAddressSpace(false)
	if err != nil {
		return err
	}

	if err := vmm.IdentityMap(as, pmm.FrameAllocator.TotalFrames()<<mm.PageShift); err != nil {
		return fmt.Errorf("sim: identity map: %w", err)
	}

	m.kernel = as
	return nil
}

func (m *Machine) newAddressSpace(user bool) (*vmm.AddressSpace, error) {
	as, err := vmm.NewAddressSpace(vmm.Config{
		Frames:          m.tables,
		FlushTLB:        func(uintptr) { m.flushes.Add(1) },
		Supports1GPages: func() bool { return m.cfg.HugePages1G },
		User:            user,
	})
	if err != nil {
		return nil, fmt.Errorf("sim: address space: %w", err)
	}
	return as, nil
}

// NewProcess creates a user address space that shares the kernel's identity
// map.
func (m *Machine) NewProcess() (*vmm.AddressSpace, error) {
	as, err := m.newAddressSpace(true)
	if err != nil {
		return nil, err
	}

	as.ShareKernelMappings(m.kernel)
	return as, nil
}

// Frames returns the physical frame allocator of the machine.
func (m *Machine) Frames() *pmm.BitmapAllocator {
	return &pmm.FrameAllocator
}

// Kernel returns the kernel address space.
func (m *Machine) Kernel() *vmm.AddressSpace {
	return m.kernel
}

// MemoryMap returns the normalized memory map the machine booted with.
func (m *Machine) MemoryMap() *memmap.Map {
	return m.mmap
}

// TableFrames returns the number of frames that address spaces of the
// machine allocated for page tables and for pages backing Allocate.
func (m *Machine) TableFrames() uint64 {
	return m.tables.count.Load()
}

// TLBFlushes returns the number of TLB entries flushed by all address spaces
// of the machine.
func (m *Machine) TLBFlushes() uint64 {
	return m.flushes.Load()
}

// Close releases the simulated RAM. The machine must not be used afterwards.
func (m *Machine) Close() error {
	kfmt.SetOutputSink(nil)
	return m.arena.Close()
}
