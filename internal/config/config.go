// Package config loads the description of a simulated machine from a TOML or
// YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/CodeStix/kokos-sub000/internal/memmap"
	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownFormat is returned by Load for files that are neither TOML
	// nor YAML.
	ErrUnknownFormat = errors.New("config: unknown file format")

	// ErrNoAvailableMemory is returned by Validate when the machine has no
	// available memory region.
	ErrNoAvailableMemory = errors.New("config: machine has no available memory")
)

// Region describes one entry of the machine memory map. Length accepts
// humanized sizes such as "127MiB" as well as plain byte counts.
type Region struct {
	Start  uint64 `toml:"start" yaml:"start"`
	Length string `toml:"length" yaml:"length"`
	Type   string `toml:"type" yaml:"type"`
}

// Kernel describes the physical extent of the kernel image.
type Kernel struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Stress holds the defaults for the stress run.
type Stress struct {
	Workers int `toml:"workers" yaml:"workers"`
	Rounds  int `toml:"rounds" yaml:"rounds"`
}

// Machine is the configuration of a simulated machine.
type Machine struct {
	// Memory is the memory map reported to the physical memory manager.
	// Overlapping regions are resolved by memmap.Map.
	Memory []Region `toml:"memory" yaml:"memory"`

	Kernel Kernel `toml:"kernel" yaml:"kernel"`

	// HugePages1G controls whether the simulated CPU reports support for
	// 1G pages.
	HugePages1G bool `toml:"huge_pages_1g" yaml:"huge_pages_1g"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	Stress Stress `toml:"stress" yaml:"stress"`
}

// Default returns the machine emulated by qemu with 128M of RAM.
func Default() *Machine {
	return &Machine{
		Memory: []Region{
			{Start: 0, Length: "639KiB", Type: "available"},
			{Start: 0x9fc00, Length: "1KiB", Type: "reserved"},
			{Start: 0xf0000, Length: "64KiB", Type: "reserved"},
			{Start: 0x100000, Length: "133038080", Type: "available"},
			{Start: 0x7fe0000, Length: "128KiB", Type: "reserved"},
			{Start: 0xfffc0000, Length: "256KiB", Type: "reserved"},
		},
		Kernel:   Kernel{Start: 0x100000, End: 0x1ff800},
		LogLevel: "info",
		Stress:   Stress{Workers: 4, Rounds: 1000},
	}
}

// Load reads a machine description from path. The format is selected by the
// file extension: .toml, .yaml or .yml. Fields missing from the file keep
// the values of Default.
func Load(path string) (*Machine, error) {
	m := Default()
	m.Memory = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, m); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	if len(m.Memory) == 0 {
		m.Memory = Default().Memory
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the machine description for consistency.
func (m *Machine) Validate() error {
	if _, err := logrus.ParseLevel(m.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if m.Kernel.End < m.Kernel.Start {
		return fmt.Errorf("config: kernel image end 0x%x is below its start 0x%x", m.Kernel.End, m.Kernel.Start)
	}

	if m.Stress.Workers < 1 || m.Stress.Rounds < 0 {
		return fmt.Errorf("config: invalid stress parameters: %d workers, %d rounds", m.Stress.Workers, m.Stress.Rounds)
	}

	mmap, err := m.MemoryMap()
	if err != nil {
		return err
	}

	if mmap.TotalAvailable() == 0 {
		return ErrNoAvailableMemory
	}
	return nil
}

// MemoryMap builds the normalized memory map of the machine.
func (m *Machine) MemoryMap() (*memmap.Map, error) {
	mmap := memmap.New()
	for index, region := range m.Memory {
		length, err := humanize.ParseBytes(region.Length)
		if err != nil {
			return nil, fmt.Errorf("config: memory region %d: %w", index, err)
		}

		typ, err := parseType(region.Type)
		if err != nil {
			return nil, fmt.Errorf("config: memory region %d: %w", index, err)
		}

		mmap.Add(region.Start, length, typ)
	}
	return mmap, nil
}

func parseType(name string) (multiboot.MemoryEntryType, error) {
	switch strings.ToLower(name) {
	case "available", "":
		return multiboot.MemAvailable, nil
	case "reserved":
		return multiboot.MemReserved, nil
	case "acpi":
		return multiboot.MemAcpiReclaimable, nil
	case "nvs":
		return multiboot.MemNvs, nil
	default:
		return 0, fmt.Errorf("unknown memory type %q", name)
	}
}
