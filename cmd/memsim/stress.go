package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/CodeStix/kokos-sub000/internal/sim"
	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	workers int
	rounds  int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "allocate, map and free frames from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return "stress [-workers N] [-rounds N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of workers; defaults to the machine description")
	f.IntVar(&s.rounds, "rounds", 0, "allocations per worker; defaults to the machine description")
}

// Execute implements subcommands.Command.Execute.
func (s *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers < 0 || s.rounds < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)

	workers, rounds := s.workers, s.rounds
	if workers == 0 {
		workers = e.cfg.Stress.Workers
	}
	if rounds == 0 {
		rounds = e.cfg.Stress.Rounds
	}

	m, err := sim.Boot(e.cfg, sim.Options{Log: e.log})
	if err != nil {
		e.log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	report, err := m.Stress(ctx, workers, rounds)
	if err != nil {
		e.log.WithError(err).Error("stress run failed")
		return subcommands.ExitFailure
	}

	fmt.Fprintf(e.out, "%d workers, %s rounds each, took %v\n", workers, humanize.Comma(int64(rounds)), report.Duration)
	fmt.Fprintf(e.out, "allocations: %s, frees: %s, exhausted: %s\n",
		humanize.Comma(int64(report.Allocations)), humanize.Comma(int64(report.Frees)), humanize.Comma(int64(report.Exhausted)))
	fmt.Fprintf(e.out, "used frames: %s before, %s after, %d new page tables\n",
		humanize.Comma(int64(report.UsedBefore)), humanize.Comma(int64(report.UsedAfter)), report.TableFrames)
	return subcommands.ExitSuccess
}
