package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/CodeStix/kokos-sub000/internal/sim"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	raw bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boot the machine and print its memory map and allocator state"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return "boot [-raw]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.raw, "raw", false, "print the kernel output instead of logging it")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)

	opts := sim.Options{Log: e.log}
	if b.raw {
		opts.KernelOutput = &kfmt.PrefixWriter{Sink: e.out, Prefix: []byte("kernel| ")}
	}

	m, err := sim.Boot(e.cfg, opts)
	if err != nil {
		e.log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	fmt.Fprintf(e.out, "memory map:\n")
	for _, region := range m.MemoryMap().Regions() {
		fmt.Fprintf(e.out, "  0x%010x-0x%010x %10s %s\n", region.Start, region.End, humanize.IBytes(region.Length()), region.Type)
	}

	frames := m.Frames()
	fmt.Fprintf(e.out, "frames: %s total, %s free (%s), %s used (%s)\n",
		humanize.Comma(int64(frames.TotalFrames())),
		humanize.Comma(int64(frames.FreeCount())), humanize.IBytes(frames.FreeCount()*uint64(mm.PageSize)),
		humanize.Comma(int64(frames.UsedCount())), humanize.IBytes(frames.UsedCount()*uint64(mm.PageSize)),
	)
	fmt.Fprintf(e.out, "kernel address space: root %#x, %d table frames, cursor %#x\n",
		m.Kernel().Root().Address(), m.TableFrames(), m.Kernel().Cursor())
	return subcommands.ExitSuccess
}
