package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/CodeStix/kokos-sub000/internal/sim"
	"github.com/google/subcommands"
)

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	pages int
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "map pages into a new process address space and print their translations"
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return "translate [-pages N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *translateCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.pages, "pages", 4, "number of pages to allocate")
}

// Execute implements subcommands.Command.Execute.
func (t *translateCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || t.pages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)

	m, err := sim.Boot(e.cfg, sim.Options{Log: e.log})
	if err != nil {
		e.log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	translations, err := m.Translate(t.pages)
	if err != nil {
		e.log.WithError(err).Error("translation failed")
		return subcommands.ExitFailure
	}

	for _, tr := range translations {
		fmt.Fprintf(e.out, "0x%016x -> %#x\n", tr.Virtual, tr.Physical)
	}
	return subcommands.ExitSuccess
}
