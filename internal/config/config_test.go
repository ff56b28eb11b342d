package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CodeStix/kokos-sub000/internal/memmap"
	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/google/go-cmp/cmp"
)

const tomlMachine = `
huge_pages_1g = true
log_level = "debug"

[kernel]
start = 0x100000
end = 0x180000

[stress]
workers = 8
rounds = 50

[[memory]]
start = 0
length = "639KiB"
type = "available"

[[memory]]
start = 0x100000
length = "15MiB"
type = "available"

[[memory]]
start = 0x200000
length = "4KiB"
type = "reserved"
`

const yamlMachine = `
huge_pages_1g: true
log_level: debug
kernel:
  start: 0x100000
  end: 0x180000
stress:
  workers: 8
  rounds: 50
memory:
  - start: 0
    length: 639KiB
    type: available
  - start: 0x100000
    length: 15MiB
    type: available
  - start: 0x200000
    length: 4KiB
    type: reserved
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	expRegions := []memmap.Region{
		{Start: 0, End: 0x9fc00, Type: multiboot.MemAvailable},
		{Start: 0x100000, End: 0x200000, Type: multiboot.MemAvailable},
		{Start: 0x200000, End: 0x201000, Type: multiboot.MemReserved},
		{Start: 0x201000, End: 0x1000000, Type: multiboot.MemAvailable},
	}

	for _, name := range []string{"machine.toml", "machine.yaml", "machine.yml"} {
		t.Run(name, func(t *testing.T) {
			contents := tomlMachine
			if !strings.HasSuffix(name, ".toml") {
				contents = yamlMachine
			}

			m, err := Load(writeFile(t, name, contents))
			if err != nil {
				t.Fatal(err)
			}

			if !m.HugePages1G || m.LogLevel != "debug" {
				t.Fatalf("unexpected machine settings: %+v", m)
			}

			if diff := cmp.Diff(Kernel{Start: 0x100000, End: 0x180000}, m.Kernel); diff != "" {
				t.Fatalf("unexpected kernel extent (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(Stress{Workers: 8, Rounds: 50}, m.Stress); diff != "" {
				t.Fatalf("unexpected stress settings (-want +got):\n%s", diff)
			}

			mmap, err := m.MemoryMap()
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(expRegions, mmap.Regions()); diff != "" {
				t.Fatalf("unexpected memory map (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	m, err := Load(writeFile(t, "empty.toml", ""))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Default(), m); diff != "" {
		t.Fatalf("expected an empty file to yield the default machine (-want +got):\n%s", diff)
	}

	mmap, err := m.MemoryMap()
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(0x7fe0000), mmap.Highest(); got != exp {
		t.Fatalf("expected default machine to end at 0x%x; got 0x%x", exp, got)
	}
}

func TestLoadErrors(t *testing.T) {
	specs := []struct {
		name, contents string
		expErr         error
		expMsg         string
	}{
		{"machine.json", "{}", ErrUnknownFormat, ""},
		{"bad.toml", "memory = 1", nil, "decoding"},
		{"bad.yaml", "unknown_field: 1", nil, "decoding"},
		{"level.toml", `log_level = "loud"`, nil, "not a valid logrus Level"},
		{"kernel.toml", "[kernel]\nstart = 0x2000\nend = 0x1000\n", nil, "below its start"},
		{"stress.toml", "[stress]\nworkers = 0\n", nil, "invalid stress parameters"},
		{"size.toml", "[[memory]]\nstart = 0\nlength = \"lots\"\n", nil, "memory region 0"},
		{"type.toml", "[[memory]]\nstart = 0\nlength = \"4KiB\"\ntype = \"rom\"\n", nil, `unknown memory type "rom"`},
		{"reserved.toml", "[[memory]]\nstart = 0\nlength = \"4KiB\"\ntype = \"reserved\"\n", ErrNoAvailableMemory, ""},
	}

	for specIndex, spec := range specs {
		_, err := Load(writeFile(t, spec.name, spec.contents))
		switch {
		case err == nil:
			t.Errorf("[spec %d] expected an error", specIndex)
		case spec.expErr != nil && !errors.Is(err, spec.expErr):
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		case spec.expMsg != "" && !strings.Contains(err.Error(), spec.expMsg):
			t.Errorf("[spec %d] expected error to contain %q; got %v", specIndex, spec.expMsg, err)
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
