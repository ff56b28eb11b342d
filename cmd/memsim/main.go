// Command memsim runs the kernel memory managers against a simulated machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/CodeStix/kokos-sub000/internal/config"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "machine description (.toml, .yaml or .yml); defaults to a qemu machine with 128M of RAM")
	logLevel   = flag.String("log-level", "", "log level; overrides the level of the machine description")
)

// env is passed to every command.
type env struct {
	cfg *config.Machine
	log *logrus.Logger
	out io.Writer
}

func newEnv(path, level string, out, logOut io.Writer) (*env, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if level != "" {
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(logOut)
	log.SetLevel(lvl)

	return &env{cfg: cfg, log: log, out: out}, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(stressCmd), "")
	subcommands.Register(new(translateCmd), "")

	flag.Parse()

	e, err := newEnv(*configPath, *logLevel, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsim: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	os.Exit(int(subcommands.Execute(context.Background(), e)))
}
